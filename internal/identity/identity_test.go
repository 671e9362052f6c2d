package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jvdbroek/duolog/internal/store"
)

// fakeUserStore is an in-memory UserStore that mimics the first-writer-wins
// behaviour of the users table.
type fakeUserStore struct {
	mu      sync.Mutex
	users   map[string]store.StaffUser
	gets    int
	creates int

	getErr    error
	createErr error
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.StaffUser{}}
}

func (f *fakeUserStore) GetUser(_ context.Context, id string) (*store.StaffUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if u, ok := f.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, id string) (*store.StaffUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.users[id]; ok {
		return nil, store.ErrDuplicateUser
	}
	u := store.StaffUser{ID: id, CreatedAt: time.Now()}
	f.users[id] = u
	return &u, nil
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"si1234", "SI1234"},
		{"Si1234", "SI1234"},
		{" SI1234 ", "SI1234"},
		{"SI1234", "SI1234"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestManager_Resolve_InvalidFormat(t *testing.T) {
	t.Parallel()

	tests := []string{
		"AB12",
		"SI123",
		"SI12345",
		"SI12a4",
		"1234",
		"",
		"XSI1234",
		"SI1234X",
	}

	for _, token := range tests {
		t.Run(token, func(t *testing.T) {
			t.Parallel()

			users := newFakeUserStore()
			m := NewManager(users)

			_, err := m.Resolve(context.Background(), token)
			if !errors.Is(err, ErrInvalidFormat) {
				t.Fatalf("Resolve(%q) error = %v, want ErrInvalidFormat", token, err)
			}

			// Fail fast: no lookup or creation may have happened.
			if users.gets != 0 || users.creates != 0 {
				t.Errorf("Resolve(%q) touched the store: gets=%d creates=%d", token, users.gets, users.creates)
			}
		})
	}
}

func TestManager_Resolve_CreatesOnFirstLogin(t *testing.T) {
	t.Parallel()

	users := newFakeUserStore()
	m := NewManager(users)

	u, err := m.Resolve(context.Background(), "si1234")
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if u.ID != "SI1234" {
		t.Errorf("ID = %q, want normalized 'SI1234'", u.ID)
	}
	if users.creates != 1 {
		t.Errorf("creates = %d, want 1", users.creates)
	}
}

func TestManager_Resolve_IdempotentLogin(t *testing.T) {
	t.Parallel()

	users := newFakeUserStore()
	m := NewManager(users)

	first, err := m.Resolve(context.Background(), "SI1234")
	if err != nil {
		t.Fatalf("first Resolve() error: %v", err)
	}
	second, err := m.Resolve(context.Background(), "si1234")
	if err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("repeat login resolved to %q, want %q", second.ID, first.ID)
	}
	if users.creates != 1 {
		t.Errorf("creates = %d, want exactly 1 across repeated logins", users.creates)
	}
}

func TestManager_Resolve_ConcurrentFirstLogin(t *testing.T) {
	t.Parallel()

	users := newFakeUserStore()
	m := NewManager(users)

	const callers = 16
	results := make([]*store.StaffUser, callers)
	errs := make([]error, callers)

	var start, done sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			results[i], errs[i] = m.Resolve(context.Background(), "si1234")
		}(i)
	}
	start.Done()
	done.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: Resolve() error = %v, race must not surface", i, errs[i])
		}
		if results[i].ID != "SI1234" {
			t.Errorf("caller %d resolved to %q, want 'SI1234'", i, results[i].ID)
		}
	}

	users.mu.Lock()
	defer users.mu.Unlock()
	if len(users.users) != 1 {
		t.Errorf("store holds %d users, want exactly 1", len(users.users))
	}
}

func TestManager_Resolve_ConflictRecovery(t *testing.T) {
	t.Parallel()

	// The store reports "not found" on lookup but rejects the insert as a
	// duplicate, simulating a concurrent creation between steps.
	users := newFakeUserStore()
	users.users["SI1234"] = store.StaffUser{ID: "SI1234"}
	firstGet := true
	conflictStore := &conflictingStore{
		inner: users,
		onGet: func() bool {
			if firstGet {
				firstGet = false
				return true // pretend not found the first time
			}
			return false
		},
	}

	m := NewManager(conflictStore)
	u, err := m.Resolve(context.Background(), "SI1234")
	if err != nil {
		t.Fatalf("Resolve() error = %v, want conflict recovered silently", err)
	}
	if u.ID != "SI1234" {
		t.Errorf("ID = %q, want 'SI1234'", u.ID)
	}
}

// conflictingStore wraps a fakeUserStore and can suppress lookup hits to
// force the create path into a uniqueness conflict.
type conflictingStore struct {
	inner *fakeUserStore
	onGet func() (suppress bool)
}

func (c *conflictingStore) GetUser(ctx context.Context, id string) (*store.StaffUser, error) {
	if c.onGet() {
		return nil, nil
	}
	return c.inner.GetUser(ctx, id)
}

func (c *conflictingStore) CreateUser(ctx context.Context, id string) (*store.StaffUser, error) {
	return c.inner.CreateUser(ctx, id)
}

func TestManager_Resolve_PersistenceErrors(t *testing.T) {
	t.Parallel()

	t.Run("lookup failure", func(t *testing.T) {
		t.Parallel()
		users := newFakeUserStore()
		users.getErr = errors.New("connection refused")

		_, err := NewManager(users).Resolve(context.Background(), "SI1234")
		if !errors.Is(err, ErrPersistence) {
			t.Fatalf("Resolve() error = %v, want ErrPersistence", err)
		}
	})

	t.Run("create failure is not retried", func(t *testing.T) {
		t.Parallel()
		users := newFakeUserStore()
		users.createErr = errors.New("disk full")

		_, err := NewManager(users).Resolve(context.Background(), "SI1234")
		if !errors.Is(err, ErrPersistence) {
			t.Fatalf("Resolve() error = %v, want ErrPersistence", err)
		}
		if users.creates != 1 {
			t.Errorf("creates = %d, want 1 (no automatic retry)", users.creates)
		}
	})

	t.Run("persistence error carries the cause", func(t *testing.T) {
		t.Parallel()
		cause := errors.New("tls handshake failed")
		users := newFakeUserStore()
		users.getErr = cause

		_, err := NewManager(users).Resolve(context.Background(), "SI1234")
		if !errors.Is(err, cause) {
			t.Errorf("Resolve() error chain %v does not contain the cause", err)
		}
	})
}
