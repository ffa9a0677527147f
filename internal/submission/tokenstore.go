package submission

import (
	"sync"
	"time"

	"github.com/killkrill/killkrill/internal/model"
)

// tokenStore guards the Submission Client's access/refresh tokens with a mutex covering
// read-modify-write during login/refresh; reads during submit take the lock only long
// enough to copy the access string, per spec.md §5's shared-resource policy.
type tokenStore struct {
	mu    sync.Mutex
	token model.Token
}

func (s *tokenStore) set(t model.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
}

func (s *tokenStore) get() model.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *tokenStore) accessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token.Access
}

// needsAuth reports whether the store holds no token yet, or the held token is expired.
func (s *tokenStore) needsAuth(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token.Access == "" || s.token.IsExpired(now)
}
