// Package state holds the process-wide shared tables: registered users,
// call sessions, and the probe-history ring. Each table carries its own
// mutex; accessors copy values in and out so no reference to guarded data
// escapes a lock.
package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MaxUsers caps the registered-user table.
const MaxUsers = 512

// DefaultExpires is the registration lifetime granted on REGISTER.
const DefaultExpires = 3600 * time.Second

// User is one SIP endpoint or directory entry.
type User struct {
	ID                 string // numeric string, unique key
	DisplayName        string
	Active             bool
	KnownFromDirectory bool
	ContactURI         string
	IP                 string
	Port               int
	ExpiresAt          time.Time
}

// UserTable is the registered-user table.
type UserTable struct {
	mu    sync.Mutex
	users map[string]*User
	log   *slog.Logger
}

// NewUserTable returns an empty table.
func NewUserTable(log *slog.Logger) *UserTable {
	return &UserTable{
		users: make(map[string]*User),
		log:   log.With("component", "users"),
	}
}

// Lookup returns a copy of the user, if present.
func (t *UserTable) Lookup(id string) (User, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Register upserts a dynamically registered user. expires is the Expires
// value from the REGISTER; zero deactivates the binding.
func (t *UserTable) Register(id, displayName, contactURI, ip string, port, expires int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[id]
	if !ok {
		if len(t.users) >= MaxUsers {
			t.log.Warn("user table full, rejecting registration", "user_id", id)
			return false
		}
		u = &User{ID: id}
		t.users[id] = u
	}

	if displayName != "" {
		u.DisplayName = displayName
	}
	u.ContactURI = contactURI
	u.IP = ip
	u.Port = port

	if expires == 0 {
		u.Active = false
		u.ExpiresAt = time.Time{}
		t.log.Info("user deregistered", "user_id", id)
		return true
	}
	u.Active = true
	u.ExpiresAt = time.Now().Add(time.Duration(expires) * time.Second)
	t.log.Info("user registered", "user_id", id, "contact", contactURI, "expires", expires)
	return true
}

// UpsertDirectory marks a user as known from the phonebook directory.
// active=false corresponds to a leading `*` marker on the directory name.
func (t *UserTable) UpsertDirectory(id, displayName string, active bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[id]
	if !ok {
		if len(t.users) >= MaxUsers {
			t.log.Warn("user table full, dropping directory entry", "user_id", id)
			return false
		}
		u = &User{ID: id, Active: active}
		t.users[id] = u
	}
	u.KnownFromDirectory = true
	u.DisplayName = displayName
	if !active {
		u.Active = false
	} else if !u.Registered() {
		// Directory presence alone activates a user only when no live
		// registration says otherwise.
		u.Active = true
	}
	return true
}

// Registered reports whether the user currently holds a live registration.
func (u *User) Registered() bool {
	return !u.ExpiresAt.IsZero() && time.Now().Before(u.ExpiresAt)
}

// ReconcileDirectory deactivates directory-known users absent from the
// latest artifact, unless they hold a live registration.
func (t *UserTable) ReconcileDirectory(present map[string]bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	deactivated := 0
	for id, u := range t.users {
		if !u.KnownFromDirectory || present[id] {
			continue
		}
		if u.Registered() {
			continue
		}
		if u.Active {
			u.Active = false
			deactivated++
		}
	}
	return deactivated
}

// ExpireStale deactivates users whose registration lifetime has lapsed.
func (t *UserTable) ExpireStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	expired := 0
	for id, u := range t.users {
		if u.ExpiresAt.IsZero() || now.Before(u.ExpiresAt) {
			continue
		}
		u.ExpiresAt = time.Time{}
		if u.KnownFromDirectory {
			// Directory users stay listed; only the binding lapses.
			u.ContactURI = ""
			u.IP = ""
			u.Port = 0
		} else if u.Active {
			u.Active = false
			expired++
			t.log.Debug("registration expired", "user_id", id)
		}
	}
	return expired
}

// Count returns the number of table entries.
func (t *UserTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// Snapshot returns copies of all users, ordered by ID.
func (t *UserTable) Snapshot() []User {
	t.mu.Lock()
	out := make([]User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, *u)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveUsers returns copies of users currently marked active, ordered by ID.
func (t *UserTable) ActiveUsers() []User {
	all := t.Snapshot()
	out := all[:0]
	for _, u := range all {
		if u.Active {
			out = append(out, u)
		}
	}
	return out
}
