package association

import (
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// DefaultSessionTTL is how long an idle profile session is kept.
const DefaultSessionTTL = 30 * time.Minute

// SessionStore keeps one Registry per open profile page. Each access extends
// the session; idle sessions expire after the TTL.
type SessionStore struct {
	cache *cache.Cache
	ttl   time.Duration
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Open stores reg under a new session id.
func (s *SessionStore) Open(reg *Registry) string {
	id := uuid.NewString()
	s.cache.Set(id, reg, cache.DefaultExpiration)
	return id
}

// Get returns the session's registry and refreshes its expiry.
func (s *SessionStore) Get(id string) (*Registry, error) {
	v, found := s.cache.Get(id)
	if !found {
		return nil, ErrSessionNotFound
	}
	reg := v.(*Registry)
	s.cache.Set(id, reg, cache.DefaultExpiration)
	return reg, nil
}

func (s *SessionStore) Close(id string) {
	s.cache.Delete(id)
}

func (s *SessionStore) Len() int {
	return s.cache.ItemCount()
}
