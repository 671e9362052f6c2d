// Package app wires the duolog subsystems into the conversation workflow:
// login (identity resolution plus session binding), turn intake from the
// upstream engine, and persistence of finalized output.
//
// For testing, inject fakes via the IdentityResolver and SessionGateway
// interfaces; the production wiring passes identity.Manager and
// gateway.Gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jvdbroek/duolog/internal/identity"
	"github.com/jvdbroek/duolog/internal/langtag"
	"github.com/jvdbroek/duolog/internal/observe"
	"github.com/jvdbroek/duolog/internal/store"
	"github.com/jvdbroek/duolog/internal/turnlog"
)

// ErrSuperseded is returned by Login when a newer login attempt started while
// this one was in flight. The completed result is discarded; only the most
// recent attempt may install state.
var ErrSuperseded = errors.New("app: login attempt superseded")

// IdentityResolver resolves a raw staff token to a persisted identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, rawToken string) (*store.StaffUser, error)
}

// SessionGateway binds durable sessions and records finalized messages.
type SessionGateway interface {
	StartSession(ctx context.Context, userID, staffLanguage, visitorLanguage string) (sessionID string, ok bool)
	EndSession(ctx context.Context, sessionID string)
	PersistMessage(ctx context.Context, sessionID, role, content, language string)
}

// TranscriptLister retrieves the durable transcript of a session.
type TranscriptLister interface {
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
}

// App owns the conversation workflow for one service desk.
type App struct {
	state   *State
	log     *turnlog.Log
	ids     IdentityResolver
	gw      SessionGateway
	lister  TranscriptLister
	metrics *observe.Metrics

	// attempt identifies the most recent Login call. A completion carrying a
	// different attempt ID lost the race and is discarded.
	mu      sync.Mutex
	attempt uuid.UUID
}

// Config holds the dependencies for an [App].
type Config struct {
	State    *State
	Log      *turnlog.Log
	Identity IdentityResolver
	Gateway  SessionGateway

	// Lister is optional; Transcript returns an error without it.
	Lister TranscriptLister

	// Metrics defaults to observe.DefaultMetrics when nil.
	Metrics *observe.Metrics
}

// New creates an App from cfg. State, Log, Identity, and Gateway are required.
func New(cfg Config) (*App, error) {
	if cfg.State == nil || cfg.Log == nil || cfg.Identity == nil || cfg.Gateway == nil {
		return nil, errors.New("app: state, log, identity, and gateway are required")
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &App{
		state:   cfg.State,
		log:     cfg.Log,
		ids:     cfg.Identity,
		gw:      cfg.Gateway,
		lister:  cfg.Lister,
		metrics: m,
	}, nil
}

// State returns the application state.
func (a *App) State() *State { return a.state }

// Log returns the live turn log.
func (a *App) Log() *turnlog.Log { return a.log }

// Login resolves rawToken to a staff identity and binds a durable session.
// Session creation failure is non-fatal: the login succeeds with an empty
// session ID and nothing is persisted for its duration.
//
// Concurrent calls race last-wins: each call claims a fresh attempt ID, and a
// completion whose attempt is no longer current returns [ErrSuperseded]
// without touching state.
func (a *App) Login(ctx context.Context, rawToken string) (Snapshot, error) {
	a.mu.Lock()
	attempt := uuid.New()
	a.attempt = attempt
	a.mu.Unlock()

	user, err := a.ids.Resolve(ctx, rawToken)
	if err != nil {
		status := "persistence_error"
		if errors.Is(err, identity.ErrInvalidFormat) {
			status = "invalid_format"
		}
		a.metrics.RecordLogin(ctx, status)
		return Snapshot{}, fmt.Errorf("app: login: %w", err)
	}

	snap := a.state.Snapshot()
	sessionID, ok := a.gw.StartSession(ctx, user.ID, snap.StaffLanguage, snap.VisitorLanguage)

	a.mu.Lock()
	current := a.attempt == attempt
	a.mu.Unlock()
	if !current {
		if ok {
			a.gw.EndSession(ctx, sessionID)
		}
		a.metrics.RecordLogin(ctx, "superseded")
		observe.Logger(ctx).Info("login superseded by newer attempt",
			slog.String("user_id", user.ID),
		)
		return Snapshot{}, ErrSuperseded
	}

	// Release a session left over from a previous login.
	if prev := snap.SessionID; prev != "" {
		a.gw.EndSession(ctx, prev)
	}

	a.state.SetLogin(user, sessionID)
	a.log.Reset()
	a.metrics.RecordLogin(ctx, "ok")
	observe.Logger(ctx).Info("staff logged in",
		slog.String("user_id", user.ID),
		slog.String("session_id", sessionID),
		slog.Bool("persisted", ok),
	)
	return a.state.Snapshot(), nil
}

// Logout releases the bound session and clears login-scoped state. The turn
// log is cleared with it; the live view belongs to the session.
func (a *App) Logout(ctx context.Context) {
	snap := a.state.Snapshot()
	if snap.User == nil {
		return
	}
	if snap.SessionID != "" {
		a.gw.EndSession(ctx, snap.SessionID)
	}
	a.state.Reset()
	a.log.Reset()
	observe.Logger(ctx).Info("staff logged out", slog.String("user_id", snap.User.ID))
}

// HandleFragment applies a cumulative partial for role to the turn log.
func (a *App) HandleFragment(ctx context.Context, role turnlog.Role, text string) error {
	if !role.IsValid() {
		return fmt.Errorf("app: unknown role %q", role)
	}
	a.log.Append(role, text)
	a.metrics.RecordTurnAppended(ctx, string(role))
	return nil
}

// HandleFinal freezes the in-progress turn for role. Finalized agent turns
// are routed through the language tag to the owning party and persisted in
// that party's language; finalizing with no open turn is a no-op.
func (a *App) HandleFinal(ctx context.Context, role turnlog.Role) error {
	if !role.IsValid() {
		return fmt.Errorf("app: unknown role %q", role)
	}
	turn, ok := a.log.Finalize(role)
	if !ok {
		return nil
	}
	a.metrics.RecordTurnFinalized(ctx, string(role))

	if turn.Role != turnlog.RoleAgent {
		return nil
	}

	snap := a.state.Snapshot()
	res := langtag.Resolve(turn.Text, snap.StaffLanguage)
	lang := snap.VisitorLanguage
	if res.Party == langtag.PartyStaff {
		lang = snap.StaffLanguage
	}
	a.gw.PersistMessage(ctx, snap.SessionID, string(turn.Role), res.DisplayText, lang)
	return nil
}

// Transcript returns the durable transcript of the bound session.
func (a *App) Transcript(ctx context.Context) ([]store.Message, error) {
	if a.lister == nil {
		return nil, errors.New("app: transcript listing requires a persistent store")
	}
	snap := a.state.Snapshot()
	if snap.SessionID == "" {
		return nil, errors.New("app: no session bound")
	}
	return a.lister.ListMessages(ctx, snap.SessionID)
}
