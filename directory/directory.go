package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUserNotFound is returned when a user id is unknown to the directory.
var ErrUserNotFound = errors.New("user not found")

// Directory resolves which users currently hold a role.
type Directory interface {
	// ListActiveUsersWithRole returns the active holders of role within scope.
	// An empty scope matches users of every scope.
	ListActiveUsersWithRole(ctx context.Context, role, scope string) ([]string, error)
}

// User is a directory entry. A user with an empty Scope is global,
// e.g. a transporter-side admin visible to every consignor.
type User struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Scope  string   `json:"scope" yaml:"scope"`
	Roles  []string `json:"roles" yaml:"roles"`
	Active bool     `json:"active" yaml:"active"`
}

// HasRole reports whether the user holds role.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MemoryDirectory is an in-memory Directory.
type MemoryDirectory struct {
	users map[string]User
	mu    sync.RWMutex
}

// NewMemoryDirectory creates a directory seeded with users.
func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// AddUser inserts or replaces a user.
func (d *MemoryDirectory) AddUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// Deactivate marks a user inactive.
func (d *MemoryDirectory) Deactivate(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrUserNotFound, id)
	}
	u.Active = false
	d.users[id] = u
	return nil
}

// ListActiveUsersWithRole implements Directory. Results are sorted by id.
func (d *MemoryDirectory) ListActiveUsersWithRole(ctx context.Context, role, scope string) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for _, u := range d.users {
		if !u.Active || !u.HasRole(role) {
			continue
		}
		if scope != "" && u.Scope != "" && u.Scope != scope {
			continue
		}
		ids = append(ids, u.ID)
	}
	sort.Strings(ids)
	return ids, nil
}
