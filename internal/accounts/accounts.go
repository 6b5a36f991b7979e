package accounts

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrUnknownAccount = errors.New("unknown account")

// Static держит токены аккаунтов в памяти. Токены задаются конфигом при
// старте; Connect/Disconnect покрывают переподключение аккаунта без рестарта.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewStatic(tokens map[string]string) *Static {
	cp := make(map[string]string, len(tokens))
	for id, tok := range tokens {
		cp[id] = tok
	}
	return &Static{tokens: cp}
}

func (s *Static) Token(ctx context.Context, accountID string) (string, error) {
	s.mu.RLock()
	tok, ok := s.tokens[accountID]
	s.mu.RUnlock()
	if !ok || tok == "" {
		return "", errors.Wrap(ErrUnknownAccount, accountID)
	}
	return tok, nil
}

// Connect registers or replaces an account token.
func (s *Static) Connect(accountID, token string) {
	s.mu.Lock()
	s.tokens[accountID] = token
	s.mu.Unlock()
}

// Disconnect drops the token; subsequent lookups report the account as
// needing reconnect.
func (s *Static) Disconnect(accountID string) {
	s.mu.Lock()
	delete(s.tokens, accountID)
	s.mu.Unlock()
}

func (s *Static) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tokens))
	for id := range s.tokens {
		out = append(out, id)
	}
	return out
}
