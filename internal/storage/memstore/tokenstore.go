// Package memstore is an in-process token store for local runs and tests.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/tinywideclouds/go-pwa-push/pkg/push"
)

// TokenStore keeps rows keyed by token value.
type TokenStore struct {
	mu   sync.RWMutex
	rows map[string]push.TokenRecord
	// failWrites, when set, is returned by every mutation.
	failWrites error
	failReads  error
}

var _ push.TokenStore = (*TokenStore)(nil)

func NewTokenStore() *TokenStore {
	return &TokenStore{rows: make(map[string]push.TokenRecord)}
}

func (s *TokenStore) Upsert(_ context.Context, record push.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	s.rows[record.Token] = record.Normalize()
	return nil
}

func (s *TokenStore) DeleteDeviceTokensExcept(_ context.Context, deviceID, keepToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	for tok, r := range s.rows {
		if r.DeviceID == deviceID && tok != keepToken {
			delete(s.rows, tok)
		}
	}
	return nil
}

func (s *TokenStore) ListTokens(_ context.Context, deviceType string) ([]push.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failReads != nil {
		return nil, s.failReads
	}
	return s.list(deviceType), nil
}

func (s *TokenStore) list(deviceType string) []push.TokenRecord {
	out := make([]push.TokenRecord, 0, len(s.rows))
	for _, r := range s.rows {
		if deviceType == "" || r.DeviceType == deviceType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

func (s *TokenStore) DeleteTokens(_ context.Context, tokens []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites != nil {
		return s.failWrites
	}
	for _, t := range tokens {
		delete(s.rows, t)
	}
	return nil
}

// Rows returns every row ordered by token.
func (s *TokenStore) Rows() []push.TokenRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list("")
}

// SetFailWrites makes every mutation fail with err. A nil err clears it.
func (s *TokenStore) SetFailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

// SetFailReads makes ListTokens fail with err. A nil err clears it.
func (s *TokenStore) SetFailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = err
}
