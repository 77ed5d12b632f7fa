package messages

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
)

var errStoreUnavailable = errors.New("store unavailable")

func mustLedger(t *testing.T, s store.Store) *Ledger {
	t.Helper()
	ledger, err := NewLedger(LedgerConfig{Store: s})
	if err != nil {
		t.Fatalf("unexpected ledger error: %v", err)
	}
	return ledger
}

func textRecord(id, sender, text string) MessageRecord {
	return MessageRecord{ID: id, Sender: sender, Text: text, SentAt: "2024-01-01T00:00:00Z"}
}

func mustPersistedRecords(t *testing.T, s store.Store) []MessageRecord {
	t.Helper()
	raw, found, err := s.Get(context.Background(), store.KeyMessages)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	if !found {
		return nil
	}
	var records []MessageRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		t.Fatalf("persisted messages are not decodable: %v", err)
	}
	return records
}

// flakyStore wraps a MemoryStore and fails selected operations on demand.
type flakyStore struct {
	mu         sync.Mutex
	inner      *store.MemoryStore
	failSet    bool
	failRemove bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{inner: store.NewMemoryStore()}
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.inner.Get(ctx, key)
}

func (s *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	fail := s.failSet
	s.mu.Unlock()
	if fail {
		return errStoreUnavailable
	}
	return s.inner.Set(ctx, key, value)
}

func (s *flakyStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	fail := s.failRemove
	s.mu.Unlock()
	if fail {
		return errStoreUnavailable
	}
	return s.inner.Remove(ctx, key)
}

func (s *flakyStore) setFailures(set, remove bool) {
	s.mu.Lock()
	s.failSet = set
	s.failRemove = remove
	s.mu.Unlock()
}
