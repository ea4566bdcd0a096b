package api

import (
	"context"
	"crypto/rand"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/fleet-core/internal/auth"
)

const (
	// ticketTTL is how long a WebSocket ticket stays redeemable.
	ticketTTL = 60 * time.Second

	// maxTicketsPerSubject bounds outstanding tickets per caller.
	maxTicketsPerSubject = 8
)

// ticketEntry is the identity a ticket stands in for.
type ticketEntry struct {
	subject   string
	role      auth.Role
	expiresAt time.Time
}

// ticketStore holds single-use WebSocket tickets. Browsers cannot set
// headers on a WebSocket upgrade, so a short-lived ticket in the query
// string replaces the bearer token.
type ticketStore struct {
	mu        sync.Mutex
	tickets   map[string]ticketEntry
	bySubject map[string]int
}

func newTicketStore() *ticketStore {
	return &ticketStore{
		tickets:   make(map[string]ticketEntry),
		bySubject: make(map[string]int),
	}
}

// issue mints a ticket for claims. It reports false when the subject
// already holds maxTicketsPerSubject live tickets.
func (t *ticketStore) issue(claims *auth.CustomClaims, now time.Time) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bySubject[claims.Subject] >= maxTicketsPerSubject {
		t.sweepLocked(now)
		if t.bySubject[claims.Subject] >= maxTicketsPerSubject {
			return "", false
		}
	}

	ticket := rand.Text()
	t.tickets[ticket] = ticketEntry{
		subject:   claims.Subject,
		role:      claims.Role,
		expiresAt: now.Add(ticketTTL),
	}
	t.bySubject[claims.Subject]++
	return ticket, true
}

// redeem consumes ticket. An expired ticket is consumed too.
func (t *ticketStore) redeem(ticket string, now time.Time) (ticketEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	t.dropLocked(ticket, entry)
	if !now.Before(entry.expiresAt) {
		return ticketEntry{}, false
	}
	return entry, true
}

// sweep removes expired tickets and returns how many it dropped.
func (t *ticketStore) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(now)
}

func (t *ticketStore) sweepLocked(now time.Time) int {
	dropped := 0
	for ticket, entry := range t.tickets {
		if !now.Before(entry.expiresAt) {
			t.dropLocked(ticket, entry)
			dropped++
		}
	}
	return dropped
}

func (t *ticketStore) dropLocked(ticket string, entry ticketEntry) {
	delete(t.tickets, ticket)
	if n := t.bySubject[entry.subject] - 1; n > 0 {
		t.bySubject[entry.subject] = n
	} else {
		delete(t.bySubject, entry.subject)
	}
}

// handleWSTicket issues a single-use WebSocket ticket for the caller.
// The client passes it as ?ticket= so the JWT never appears in a URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	ticket, ok := s.tickets.issue(claims, time.Now())
	if !ok {
		writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "too many outstanding websocket tickets")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// sweepTickets drops expired tickets every ticketTTL until ctx is done.
func (s *Server) sweepTickets(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.tickets.sweep(now); n > 0 {
				s.logger.Debug("expired websocket tickets dropped", "count", n)
			}
		}
	}
}
