// Package gateway shields the live conversation path from persistence
// failures. Session creation and message writes go through here; the database
// being down degrades durability, never the conversation.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jvdbroek/duolog/internal/observe"
	"github.com/jvdbroek/duolog/internal/resilience"
	"github.com/jvdbroek/duolog/internal/store"
)

// defaultPersistTimeout bounds a single message write. A hung database
// connection must not pile up goroutines forever.
const defaultPersistTimeout = 10 * time.Second

// Recorder is the subset of the store the gateway needs.
type Recorder interface {
	CreateSession(ctx context.Context, userID, staffLanguage, visitorLanguage string) (string, error)
	InsertMessage(ctx context.Context, m store.Message) error
}

// Gateway wraps a [Recorder] with the failure policy of the live path:
// session creation reports success or failure but never returns an error
// value, and message persistence is dispatched asynchronously with failures
// only logged and counted.
type Gateway struct {
	rec     Recorder
	metrics *observe.Metrics
	timeout time.Duration

	// breaker rejects writes immediately while the database is known down,
	// instead of holding a goroutine per message until the timeout fires.
	breaker *resilience.CircuitBreaker

	// wg tracks in-flight message writes so shutdown can drain them.
	wg sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPersistTimeout overrides the per-write timeout.
func WithPersistTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// New creates a Gateway over rec. Panics if rec or metrics is nil.
func New(rec Recorder, metrics *observe.Metrics, opts ...Option) *Gateway {
	if rec == nil {
		panic("gateway: nil recorder")
	}
	if metrics == nil {
		panic("gateway: nil metrics")
	}
	g := &Gateway{
		rec:     rec,
		metrics: metrics,
		timeout: defaultPersistTimeout,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "message-store"}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StartSession creates a durable session row for the given user. On failure
// it logs a warning and returns ok=false; the caller proceeds without
// persistence. No error is ever returned on this path.
func (g *Gateway) StartSession(ctx context.Context, userID, staffLanguage, visitorLanguage string) (sessionID string, ok bool) {
	id, err := g.rec.CreateSession(ctx, userID, staffLanguage, visitorLanguage)
	if err != nil {
		observe.Logger(ctx).Warn("session creation failed, continuing without persistence",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	g.metrics.ActiveSessions.Add(ctx, 1)
	observe.Logger(ctx).Info("session started",
		slog.String("session_id", id),
		slog.String("user_id", userID),
		slog.String("staff_language", staffLanguage),
		slog.String("visitor_language", visitorLanguage),
	)
	return id, true
}

// EndSession marks the session closed for accounting purposes. The session
// row itself is append-only; there is nothing to write.
func (g *Gateway) EndSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	g.metrics.ActiveSessions.Add(ctx, -1)
	observe.Logger(ctx).Info("session ended", slog.String("session_id", sessionID))
}

// PersistMessage records a finalized message asynchronously. When sessionID
// is empty (no durable session) the call is a no-op. Write failures are
// logged and counted but never surfaced to the caller.
func (g *Gateway) PersistMessage(ctx context.Context, sessionID, role, content, language string) {
	if sessionID == "" {
		return
	}

	// Detach from the caller's context: the write must outlive the request
	// that produced it, but still carry its trace for log correlation.
	wctx := context.WithoutCancel(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		wctx, cancel := context.WithTimeout(wctx, g.timeout)
		defer cancel()

		start := time.Now()
		err := g.breaker.Execute(func() error {
			return g.rec.InsertMessage(wctx, store.Message{
				SessionID: sessionID,
				Role:      role,
				Content:   content,
				Language:  language,
			})
		})
		elapsed := time.Since(start)

		if err != nil {
			g.metrics.RecordMessagePersisted(wctx, "error", elapsed.Seconds())
			observe.Logger(wctx).Warn("message persistence failed",
				slog.String("session_id", sessionID),
				slog.String("role", role),
				slog.String("error", err.Error()),
			)
			return
		}
		g.metrics.RecordMessagePersisted(wctx, "ok", elapsed.Seconds())
	}()
}

// Drain blocks until all in-flight message writes complete or ctx expires.
// Call during shutdown after the live path has stopped producing messages.
func (g *Gateway) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
