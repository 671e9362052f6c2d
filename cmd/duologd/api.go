package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jvdbroek/duolog/internal/app"
	"github.com/jvdbroek/duolog/internal/identity"
	"github.com/jvdbroek/duolog/internal/observe"
)

// stateView is the JSON projection of the application state returned by the
// control endpoints.
type stateView struct {
	UserID             string   `json:"user_id,omitempty"`
	SessionID          string   `json:"session_id,omitempty"`
	StaffLanguage      string   `json:"staff_language"`
	VisitorLanguage    string   `json:"visitor_language"`
	AvailableLanguages []string `json:"available_languages"`
	SidebarVisible     bool     `json:"sidebar_visible"`
}

func viewOf(snap app.Snapshot) stateView {
	v := stateView{
		SessionID:          snap.SessionID,
		StaffLanguage:      snap.StaffLanguage,
		VisitorLanguage:    snap.VisitorLanguage,
		AvailableLanguages: snap.AvailableLanguages,
		SidebarVisible:     snap.SidebarVisible,
	}
	if snap.User != nil {
		v.UserID = snap.User.ID
	}
	return v
}

// registerAPI adds the staff control endpoints to mux.
func registerAPI(mux *http.ServeMux, application *app.App) {
	mux.HandleFunc("POST /api/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		snap, err := application.Login(r.Context(), req.Token)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, viewOf(snap))
		case errors.Is(err, identity.ErrInvalidFormat):
			writeError(w, http.StatusBadRequest, "staff ID must be SI followed by 4 digits")
		case errors.Is(err, app.ErrSuperseded):
			writeError(w, http.StatusConflict, "superseded by a newer login")
		default:
			observe.Logger(r.Context()).Error("login failed", "err", err)
			writeError(w, http.StatusBadGateway, "login temporarily unavailable")
		}
	})

	mux.HandleFunc("POST /api/logout", func(w http.ResponseWriter, r *http.Request) {
		application.Logout(r.Context())
		writeJSON(w, http.StatusOK, viewOf(application.State().Snapshot()))
	})

	mux.HandleFunc("GET /api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, viewOf(application.State().Snapshot()))
	})

	mux.HandleFunc("PUT /api/language", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Language string `json:"language"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := application.State().SetVisitorLanguage(req.Language); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, viewOf(application.State().Snapshot()))
	})

	mux.HandleFunc("POST /api/sidebar/toggle", func(w http.ResponseWriter, r *http.Request) {
		visible := application.State().ToggleSidebar()
		writeJSON(w, http.StatusOK, map[string]bool{"sidebar_visible": visible})
	})

	mux.HandleFunc("GET /api/transcript", func(w http.ResponseWriter, r *http.Request) {
		msgs, err := application.Transcript(r.Context())
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
