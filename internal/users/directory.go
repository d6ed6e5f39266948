// Package users resolves caller API keys to gateway users.
//
// DESIGN: Account storage is an external collaborator. The gateway only
// needs the Directory interface; Static is the config-file implementation
// the binary ships with. Reloads replace the whole user set at once.
package users

import (
	"crypto/sha256"
	"sort"
	"sync"

	"github.com/compresr/pool-gateway/internal/apierr"
	"github.com/compresr/pool-gateway/internal/config"
)

// User is an authenticated caller.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	APIKey     string `json:"-"`
	DailyQuota int    `json:"daily_quota"` // 0 = pool default
	Admin      bool   `json:"admin"`
	Active     bool   `json:"active"`
}

// Directory looks users up.
type Directory interface {
	Authenticate(apiKey string) (User, error)
	Get(id string) (User, bool)
	List() []User
}

// Static is a Directory backed by the users section of the config file.
type Static struct {
	mu    sync.RWMutex
	byID  map[string]User
	byKey map[[sha256.Size]byte]string
}

// NewStatic creates a directory from config entries.
func NewStatic(entries []config.UserConfig) *Static {
	s := &Static{}
	s.Replace(entries)
	return s
}

// Replace swaps the whole user set.
func (s *Static) Replace(entries []config.UserConfig) {
	byID := make(map[string]User, len(entries))
	byKey := make(map[[sha256.Size]byte]string, len(entries))
	for _, e := range entries {
		byID[e.ID] = User{
			ID:         e.ID,
			Name:       e.Name,
			APIKey:     e.APIKey,
			DailyQuota: e.DailyQuota,
			Admin:      e.Admin,
			Active:     !e.Disabled,
		}
		byKey[sha256.Sum256([]byte(e.APIKey))] = e.ID
	}

	s.mu.Lock()
	s.byID = byID
	s.byKey = byKey
	s.mu.Unlock()
}

// Authenticate returns the user owning apiKey. A missing or unknown key is
// Unauthorized, a disabled user Forbidden.
func (s *Static) Authenticate(apiKey string) (User, error) {
	if apiKey == "" {
		return User{}, apierr.New(apierr.KindUnauthorized, "missing API key")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[sha256.Sum256([]byte(apiKey))]
	if !ok {
		return User{}, apierr.New(apierr.KindUnauthorized, "invalid API key")
	}
	u := s.byID[id]
	if !u.Active {
		return User{}, apierr.New(apierr.KindForbidden, "user %s is disabled", u.ID)
	}
	return u, nil
}

// Get returns a user by id.
func (s *Static) Get(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	return u, ok
}

// List returns every user ordered by id.
func (s *Static) List() []User {
	s.mu.RLock()
	out := make([]User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, u)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
