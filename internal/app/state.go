package app

import (
	"fmt"
	"slices"
	"sync"

	"github.com/jvdbroek/duolog/internal/store"
)

// Snapshot is a point-in-time copy of the application state.
type Snapshot struct {
	// User is the logged-in staff member, nil when logged out.
	User *store.StaffUser

	// SessionID is the durable session bound at login. Empty when logged out
	// or when session creation failed and the login proceeded without
	// persistence.
	SessionID string

	// StaffLanguage is the staff-side language, fixed per deployment.
	StaffLanguage string

	// VisitorLanguage is the currently selected visitor-side language.
	VisitorLanguage string

	// AvailableLanguages is the visitor-language catalogue.
	AvailableLanguages []string

	// SidebarVisible reports whether the operator sidebar is shown.
	SidebarVisible bool
}

// State holds the mutable application state for one service desk. It is
// mutated only through its named transition methods; everything set at login
// stays read-only until the next login or logout. Safe for concurrent use.
type State struct {
	mu sync.RWMutex

	user      *store.StaffUser
	sessionID string

	staffLanguage   string
	visitorLanguage string
	available       []string

	sidebarVisible bool
}

// NewState creates a State with the deployment's language configuration.
func NewState(staffLanguage, visitorLanguage string, available []string) *State {
	return &State{
		staffLanguage:   staffLanguage,
		visitorLanguage: visitorLanguage,
		available:       slices.Clone(available),
	}
}

// SetLogin installs the resolved identity and bound session. sessionID may be
// empty when the login proceeded without persistence.
func (s *State) SetLogin(user *store.StaffUser, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	s.sessionID = sessionID
}

// Reset clears the login-scoped state. Language configuration and sidebar
// visibility survive a logout.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	s.sessionID = ""
}

// SetVisitorLanguage switches the visitor-side language. The language must be
// listed in the available catalogue.
func (s *State) SetVisitorLanguage(lang string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.available, lang) {
		return fmt.Errorf("app: visitor language %q is not in the available catalogue", lang)
	}
	s.visitorLanguage = lang
	return nil
}

// SetAvailableLanguages replaces the visitor-language catalogue, typically on
// a config reload. When the current visitor language is no longer listed it
// falls back to the first catalogue entry.
func (s *State) SetAvailableLanguages(available []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = slices.Clone(available)
	if len(s.available) > 0 && !slices.Contains(s.available, s.visitorLanguage) {
		s.visitorLanguage = s.available[0]
	}
}

// ToggleSidebar flips the sidebar visibility and returns the new value.
func (s *State) ToggleSidebar() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sidebarVisible = !s.sidebarVisible
	return s.sidebarVisible
}

// LoggedIn reports whether a staff identity is currently installed.
func (s *State) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var user *store.StaffUser
	if s.user != nil {
		u := *s.user
		user = &u
	}
	return Snapshot{
		User:               user,
		SessionID:          s.sessionID,
		StaffLanguage:      s.staffLanguage,
		VisitorLanguage:    s.visitorLanguage,
		AvailableLanguages: slices.Clone(s.available),
		SidebarVisible:     s.sidebarVisible,
	}
}
