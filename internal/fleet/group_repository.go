package fleet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GroupRepository defines persistence operations for device groups.
type GroupRepository interface {
	// Create inserts a new group, generating its ID when empty.
	Create(ctx context.Context, group *Group) error
	// GetByID retrieves a group by ID.
	GetByID(ctx context.Context, id string) (*Group, error)
	// List retrieves all groups ordered by name.
	List(ctx context.Context) ([]Group, error)
	// Delete removes a group. Its devices become ungrouped.
	Delete(ctx context.Context, id string) error
}

// SQLiteGroupRepository implements GroupRepository using SQLite.
type SQLiteGroupRepository struct {
	db *sql.DB
}

// NewSQLiteGroupRepository creates a new SQLite-backed group repository.
//
// Parameters:
//   - db: Open SQLite connection used for group queries
//
// Returns:
//   - *SQLiteGroupRepository: Repository instance ready for use
//
// Example:
//
//	groups := fleet.NewSQLiteGroupRepository(db)
func NewSQLiteGroupRepository(db *sql.DB) *SQLiteGroupRepository {
	return &SQLiteGroupRepository{db: db}
}

// Create inserts a new device group.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - group: Group definition to persist; ID and timestamps are filled in
//
// Returns:
//   - error: nil on success, ErrGroupExists on a name or ID conflict,
//     otherwise a database error
func (r *SQLiteGroupRepository) Create(ctx context.Context, group *Group) error {
	if group == nil {
		return fmt.Errorf("group is required")
	}
	if group.ID == "" {
		group.ID = GenerateID()
	}
	now := time.Now().UTC()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	group.UpdatedAt = now

	query := `INSERT INTO device_groups (
			id, name, description, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		group.ID,
		group.Name,
		nullableString(group.Description),
		group.CreatedAt.Format(time.RFC3339),
		group.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrGroupExists
		}
		return fmt.Errorf("inserting device group: %w", err)
	}
	return nil
}

// GetByID retrieves a device group by ID.
//
// Returns ErrGroupNotFound if the group does not exist.
func (r *SQLiteGroupRepository) GetByID(ctx context.Context, id string) (*Group, error) {
	query := `SELECT id, name, description, created_at, updated_at
		FROM device_groups WHERE id = ?`

	group, err := scanGroup(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("querying device group: %w", err)
	}
	return group, nil
}

// List retrieves all device groups ordered by name.
func (r *SQLiteGroupRepository) List(ctx context.Context) ([]Group, error) {
	query := `SELECT id, name, description, created_at, updated_at
		FROM device_groups
		ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying device groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device group: %w", err)
		}
		groups = append(groups, *group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device groups: %w", err)
	}
	return groups, nil
}

// Delete removes a device group by ID. Member devices are detached in the
// same transaction.
func (r *SQLiteGroupRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if _, execErr := tx.ExecContext(ctx,
		"UPDATE devices SET group_id = NULL, updated_at = ? WHERE group_id = ?",
		time.Now().UTC().Format(time.RFC3339), id,
	); execErr != nil {
		return fmt.Errorf("detaching group members: %w", execErr)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM device_groups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device group: %w", err)
	}
	if err := expectOne(result, ErrGroupNotFound); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func scanGroup(scanner rowScanner) (*Group, error) {
	var g Group
	var description sql.NullString
	var createdAt, updatedAt string

	if err := scanner.Scan(&g.ID, &g.Name, &description, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if description.Valid {
		g.Description = &description.String
	}

	var parseErr error
	g.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	g.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}
	return &g, nil
}
