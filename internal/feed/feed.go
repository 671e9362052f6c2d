// Package feed carries the conversation over WebSocket: the upstream
// speech/translation engine streams turn events into the server on the ingest
// endpoint, and viewer clients receive live turn-log snapshots on the view
// endpoint.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jvdbroek/duolog/internal/observe"
	"github.com/jvdbroek/duolog/internal/turnlog"
)

// Event is one turn event from the upstream engine. Text carries the full
// cumulative text of the in-progress turn, not a delta.
type Event struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// TurnView is the wire form of one turn in a snapshot.
type TurnView struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Snapshot is the payload pushed to viewer clients on every log change.
type Snapshot struct {
	Turns []TurnView `json:"turns"`
}

// Applier receives decoded turn events. Satisfied by app.App.
type Applier interface {
	HandleFragment(ctx context.Context, role turnlog.Role, text string) error
	HandleFinal(ctx context.Context, role turnlog.Role) error
}

// Server serves the ingest and view WebSocket endpoints.
type Server struct {
	applier Applier
	log     *turnlog.Log
	metrics *observe.Metrics

	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// NewServer creates a feed server over applier and log.
func NewServer(applier Applier, log *turnlog.Log, metrics *observe.Metrics) *Server {
	return &Server{
		applier: applier,
		log:     log,
		metrics: metrics,
		subs:    make(map[chan struct{}]struct{}),
	}
}

// Run fans the log's coalesced change signal out to all viewer connections.
// Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.log.Changed():
			s.mu.Lock()
			for sub := range s.subs {
				select {
				case sub <- struct{}{}:
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

// subscribe registers a viewer change channel. Capacity 1: a lagging viewer
// coalesces intermediate signals like the log itself does.
func (s *Server) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan struct{}) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

// HandleIngest upgrades the request to a WebSocket and consumes turn events
// until the peer disconnects. Malformed events and unknown roles are logged
// and skipped; only a transport error ends the loop.
func (s *Server) HandleIngest(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("feed: ingest accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	s.metrics.FeedConnections.Add(ctx, 1)
	defer s.metrics.FeedConnections.Add(ctx, -1)
	observe.Logger(ctx).Info("feed: engine connected", slog.String("remote", r.RemoteAddr))

	for {
		_, msg, err := c.Read(ctx)
		if err != nil {
			// Normal close or context cancellation — exit gracefully.
			observe.Logger(ctx).Info("feed: engine disconnected", slog.String("remote", r.RemoteAddr))
			return
		}

		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			slog.Warn("feed: dropping malformed event", "err", err)
			continue
		}
		s.apply(ctx, ev)
	}
}

// apply routes one decoded event into the turn log via the applier.
func (s *Server) apply(ctx context.Context, ev Event) {
	role := turnlog.Role(ev.Role)
	if !role.IsValid() {
		slog.Warn("feed: dropping event with unknown role", "role", ev.Role)
		return
	}

	if ev.Text != "" {
		if err := s.applier.HandleFragment(ctx, role, ev.Text); err != nil {
			slog.Warn("feed: fragment rejected", "role", ev.Role, "err", err)
			return
		}
	}
	if ev.Final {
		if err := s.applier.HandleFinal(ctx, role); err != nil {
			slog.Warn("feed: finalize rejected", "role", ev.Role, "err", err)
		}
	}
}

// HandleView upgrades the request to a WebSocket and pushes a full turn-log
// snapshot immediately and then after every log change, until the viewer
// disconnects.
func (s *Server) HandleView(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("feed: view accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	s.metrics.FeedConnections.Add(ctx, 1)
	defer s.metrics.FeedConnections.Add(ctx, -1)

	sub := s.subscribe()
	defer s.unsubscribe(sub)

	if err := wsjson.Write(ctx, c, s.snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-sub:
			if err := wsjson.Write(ctx, c, s.snapshot()); err != nil {
				return
			}
		}
	}
}

// snapshot renders the current turn log in wire form.
func (s *Server) snapshot() Snapshot {
	turns := s.log.Turns()
	out := Snapshot{Turns: make([]TurnView, 0, len(turns))}
	for _, t := range turns {
		out.Turns = append(out.Turns, TurnView{Role: string(t.Role), Text: t.Text, Final: t.Final})
	}
	return out
}
