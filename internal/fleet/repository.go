package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines device persistence operations.
// This abstraction allows a mock in tests and keeps SQL out of the Manager.
type Repository interface {
	// GetBySerial retrieves a device by serial number.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetBySerial(ctx context.Context, serial string) (*Device, error)

	// List retrieves all devices ordered by serial.
	List(ctx context.Context) ([]Device, error)

	// ListByGroup retrieves the devices of a group. An empty groupID lists
	// ungrouped devices.
	ListByGroup(ctx context.Context, groupID string) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if the serial is already registered.
	Create(ctx context.Context, device *Device) error

	// Update modifies the descriptive fields of an existing device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, serial string) error

	// SetGroup moves a device to groupID, or to no group when groupID is nil.
	SetGroup(ctx context.Context, serial string, groupID *string) error

	// RecordEvent stores the last applied notification of a device.
	RecordEvent(ctx context.Context, serial string, seq uint64, event string, seenAt time.Time) error

	// UpdateStatus sets the operational status of a device.
	UpdateStatus(ctx context.Context, serial string, status Status) error

	// UpdateFirmware sets the installed firmware version of a device.
	UpdateFirmware(ctx context.Context, serial, version string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed device repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `serial, name, host, port, group_id, firmware, domains, status,
			last_seq, last_event, last_seen, created_at, updated_at`

// GetBySerial retrieves a device by serial number.
func (r *SQLiteRepository) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE serial = ?`

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, serial))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by serial: %w", err)
	}
	return device, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		ORDER BY serial`

	return r.queryDevices(ctx, query)
}

// ListByGroup retrieves the devices of a group.
func (r *SQLiteRepository) ListByGroup(ctx context.Context, groupID string) ([]Device, error) {
	if groupID == "" {
		query := `
			SELECT ` + deviceColumns + `
			FROM devices
			WHERE group_id IS NULL
			ORDER BY serial`
		return r.queryDevices(ctx, query)
	}

	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE group_id = ?
		ORDER BY serial`

	return r.queryDevices(ctx, query, groupID)
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	domainsJSON, err := json.Marshal(device.Domains)
	if err != nil {
		return fmt.Errorf("marshalling domains: %w", err)
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (
			serial, name, host, port, group_id, firmware, domains, status,
			last_seq, last_event, last_seen, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		device.Serial,
		device.Name,
		device.Host,
		device.Port,
		nullableString(device.GroupID),
		nullableValue(device.Firmware),
		string(domainsJSON),
		string(device.Status),
		int64(device.LastSeq), //nolint:gosec // sequence numbers stay far below 2^63
		nullableValue(device.LastEvent),
		nullableTime(device.LastSeen),
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		if isForeignKeyError(err) {
			return ErrGroupNotFound
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update modifies the descriptive fields of a device. Group membership,
// status and notification bookkeeping have their own methods.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	domainsJSON, err := json.Marshal(device.Domains)
	if err != nil {
		return fmt.Errorf("marshalling domains: %w", err)
	}

	device.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices SET
			name = ?, host = ?, port = ?, firmware = ?, domains = ?, updated_at = ?
		WHERE serial = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.Name,
		device.Host,
		device.Port,
		nullableValue(device.Firmware),
		string(domainsJSON),
		device.UpdatedAt.Format(time.RFC3339),
		device.Serial,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return expectOne(result, ErrDeviceNotFound)
}

// Delete removes a device by serial.
func (r *SQLiteRepository) Delete(ctx context.Context, serial string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE serial = ?", serial)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return expectOne(result, ErrDeviceNotFound)
}

// SetGroup moves a device between groups.
func (r *SQLiteRepository) SetGroup(ctx context.Context, serial string, groupID *string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET group_id = ?, updated_at = ? WHERE serial = ?",
		nullableString(groupID),
		time.Now().UTC().Format(time.RFC3339),
		serial,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrGroupNotFound
		}
		return fmt.Errorf("setting device group: %w", err)
	}
	return expectOne(result, ErrDeviceNotFound)
}

// RecordEvent stores the last applied notification of a device and marks
// it online.
func (r *SQLiteRepository) RecordEvent(ctx context.Context, serial string, seq uint64, event string, seenAt time.Time) error {
	query := `
		UPDATE devices
		SET last_seq = ?, last_event = ?, last_seen = ?, status = ?, updated_at = ?
		WHERE serial = ?`

	result, err := r.db.ExecContext(ctx, query,
		int64(seq), //nolint:gosec // sequence numbers stay far below 2^63
		nullableValue(event),
		seenAt.UTC().Format(time.RFC3339),
		string(StatusOnline),
		time.Now().UTC().Format(time.RFC3339),
		serial,
	)
	if err != nil {
		return fmt.Errorf("recording device event: %w", err)
	}
	return expectOne(result, ErrDeviceNotFound)
}

// UpdateStatus sets the operational status of a device.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, serial string, status Status) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET status = ?, updated_at = ? WHERE serial = ?",
		string(status),
		time.Now().UTC().Format(time.RFC3339),
		serial,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return expectOne(result, ErrDeviceNotFound)
}

// UpdateFirmware sets the installed firmware version of a device.
func (r *SQLiteRepository) UpdateFirmware(ctx context.Context, serial, version string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET firmware = ?, updated_at = ? WHERE serial = ?",
		nullableValue(version),
		time.Now().UTC().Format(time.RFC3339),
		serial,
	)
	if err != nil {
		return fmt.Errorf("updating device firmware: %w", err)
	}
	return expectOne(result, ErrDeviceNotFound)
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var groupID, firmware, lastEvent, lastSeen sql.NullString
	var domainsJSON, status, createdAt, updatedAt string
	var lastSeq int64

	err := scanner.Scan(
		&d.Serial,
		&d.Name,
		&d.Host,
		&d.Port,
		&groupID,
		&firmware,
		&domainsJSON,
		&status,
		&lastSeq,
		&lastEvent,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.LastSeq = uint64(lastSeq) //nolint:gosec // column is never negative
	d.Firmware = firmware.String
	d.LastEvent = lastEvent.String
	if groupID.Valid {
		d.GroupID = &groupID.String
	}
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			d.LastSeen = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(domainsJSON), &d.Domains); err != nil {
		return nil, fmt.Errorf("unmarshalling domains: %w", err)
	}
	if d.Domains == nil {
		d.Domains = []string{}
	}
	return &d, nil
}

// expectOne maps a zero-row result to notFound.
func expectOne(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableValue stores empty strings as NULL.
func nullableValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}

// isForeignKeyError checks if an error is a SQLite foreign key violation.
func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
