// Package identity resolves a staff member's login token to a durable user
// record.
//
// Tokens have the form "SI" followed by exactly four digits, case-insensitive
// on input and canonicalised to uppercase before any lookup. Resolution is
// effectively idempotent: the record is created at most once per token, and
// concurrent first-time logins with the same token converge on a single
// record — the losing insert detects the uniqueness conflict and re-queries
// instead of surfacing the race.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jvdbroek/duolog/internal/store"
)

// tokenPattern is the canonical staff token format, checked after uppercasing.
var tokenPattern = regexp.MustCompile(`^SI\d{4}$`)

// Kind classifies a resolution failure. The set is closed; callers switch on
// the kind (via errors.Is against the sentinel errors) rather than inspecting
// message strings.
type Kind int

const (
	// KindInvalidFormat means the token does not match the SIdddd pattern.
	// Reported before any store call is made.
	KindInvalidFormat Kind = iota + 1

	// KindPersistence means the backing store failed in a way that is not a
	// recoverable uniqueness conflict. The login flow does not proceed.
	KindPersistence
)

// Sentinel targets for errors.Is checks against [Error] values.
var (
	ErrInvalidFormat = &Error{Kind: KindInvalidFormat}
	ErrPersistence   = &Error{Kind: KindPersistence}
)

// Error is a structured resolution failure.
type Error struct {
	// Kind is the failure classification.
	Kind Kind

	// Token is the normalized token the failure relates to. Empty for
	// format failures on unnormalizable input.
	Token string

	// Err is the underlying cause, nil for format failures.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInvalidFormat:
		return fmt.Sprintf("identity: invalid staff ID %q: must be SI followed by 4 digits (e.g., SI1234)", e.Token)
	case KindPersistence:
		return fmt.Sprintf("identity: could not resolve staff ID %q: %v", e.Token, e.Err)
	default:
		return fmt.Sprintf("identity: resolve %q: %v", e.Token, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so
// errors.Is(err, ErrInvalidFormat) works regardless of token and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// UserStore is the persistence surface the manager needs. *store.Store
// satisfies it; tests inject fakes.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.StaffUser, error)
	CreateUser(ctx context.Context, id string) (*store.StaffUser, error)
}

// Manager resolves staff tokens against a [UserStore]. It is stateless per
// call and safe for concurrent use.
type Manager struct {
	users UserStore
}

// NewManager creates a Manager backed by users.
func NewManager(users UserStore) *Manager {
	return &Manager{users: users}
}

// Normalize canonicalises a raw token to uppercase with surrounding
// whitespace removed.
func Normalize(rawToken string) string {
	return strings.ToUpper(strings.TrimSpace(rawToken))
}

// Resolve validates rawToken and returns the durable user record for it,
// creating the record on first login.
//
// The format check happens before any store call; a malformed token fails
// with [ErrInvalidFormat] without touching the network. A uniqueness
// conflict on creation means another caller created the record between our
// lookup and insert; Resolve recovers by re-querying and returns the
// now-existing record.
func (m *Manager) Resolve(ctx context.Context, rawToken string) (*store.StaffUser, error) {
	token := Normalize(rawToken)
	if !tokenPattern.MatchString(token) {
		return nil, &Error{Kind: KindInvalidFormat, Token: token}
	}

	existing, err := m.users.GetUser(ctx, token)
	if err != nil {
		return nil, &Error{Kind: KindPersistence, Token: token, Err: err}
	}
	if existing != nil {
		return existing, nil
	}

	created, err := m.users.CreateUser(ctx, token)
	if err == nil {
		slog.Info("staff user registered", "staff_id", token)
		return created, nil
	}
	if !errors.Is(err, store.ErrDuplicateUser) {
		return nil, &Error{Kind: KindPersistence, Token: token, Err: err}
	}

	// Lost the first-login race: the record now exists, fetch it.
	slog.Debug("concurrent registration detected, re-querying", "staff_id", token)
	winner, err := m.users.GetUser(ctx, token)
	if err != nil {
		return nil, &Error{Kind: KindPersistence, Token: token, Err: err}
	}
	if winner == nil {
		return nil, &Error{Kind: KindPersistence, Token: token,
			Err: errors.New("user vanished after uniqueness conflict")}
	}
	return winner, nil
}
