package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
	"go.uber.org/zap"
)

const (
	fieldMessageID = "message_id"
	fieldSender    = "sender"
)

// LedgerConfig describes the dependencies of a Ledger.
type LedgerConfig struct {
	Store  store.Store
	Logger *zap.Logger
}

// Ledger is the append-only, locally persisted sequence of messages in arrival order.
// Every mutation is written through to the store before it returns; the writer lock
// also serializes Append against Clear so a cleared message can never be re-persisted.
type Ledger struct {
	mu      sync.Mutex
	store   store.Store
	logger  *zap.Logger
	records []MessageRecord
	byID    map[string]int
}

// NewLedger constructs an empty ledger; call LoadFromStore to restore history.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opLedgerNew, reasonMissingStore, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  cfg.Store,
		logger: logger,
		byID:   make(map[string]int),
	}, nil
}

// LoadFromStore replaces the in-memory sequence with the persisted one.
// An absent or undecodable entry yields an empty ledger instead of an error.
// Invalid or duplicate persisted records are dropped and the cleaned sequence is written back.
func (l *Ledger) LoadFromStore(ctx context.Context) []MessageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = nil
	l.byID = make(map[string]int)

	var persisted []MessageRecord
	found, err := store.Load(ctx, l.store, store.KeyMessages, &persisted)
	if err != nil {
		reason := reasonReadFailed
		if errors.Is(err, store.ErrCorruptValue) {
			reason = reasonDecodeFailed
		}
		l.logWarn(opLedgerLoad, reason, err)
		return nil
	}
	if !found {
		return nil
	}

	dropped := 0
	for _, record := range persisted {
		if err := l.admit(record); err != nil {
			dropped++
			l.logWarn(opLedgerLoad, reasonInvalidRecord, err, zap.String(fieldMessageID, record.ID))
			continue
		}
	}
	if dropped > 0 {
		if err := l.persistLocked(ctx); err != nil {
			l.logError(opLedgerLoad, reasonPersistFailed, err)
		}
	}
	return l.snapshotLocked()
}

// Append validates and appends a record, then synchronously persists the full sequence.
// Invalid and duplicate records are rejected without touching the ledger. When the write
// fails the record stays in memory and an ErrPersistence-wrapping error is returned.
func (l *Ledger) Append(ctx context.Context, record MessageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.admit(record); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return newServiceError(opLedgerAppend, reasonDuplicate, err)
		}
		return newServiceError(opLedgerAppend, reasonInvalidRecord, err)
	}

	if err := l.persistLocked(ctx); err != nil {
		l.logError(opLedgerAppend, reasonPersistFailed, err,
			zap.String(fieldMessageID, record.ID),
			zap.String(fieldSender, record.Sender))
		return newServiceError(opLedgerAppend, reasonPersistFailed, fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	return nil
}

// Clear empties the ledger and removes its persisted entry. If the entry cannot be
// removed an empty sequence is written instead; if that fails too the ledger is left
// untouched so memory and store never disagree about the clear.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.Remove(ctx, store.KeyMessages); err != nil {
		l.logWarn(opLedgerClear, reasonRemoveFailed, err)
		if _, saveErr := store.Save(ctx, l.store, store.KeyMessages, []MessageRecord{}); saveErr != nil {
			l.logError(opLedgerClear, reasonPersistFailed, saveErr)
			return newServiceError(opLedgerClear, reasonPersistFailed, fmt.Errorf("%w: %w", ErrPersistence, saveErr))
		}
	}

	l.records = nil
	l.byID = make(map[string]int)
	return nil
}

// Records returns a copy of the sequence in arrival order.
func (l *Ledger) Records() []MessageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Lookup returns the record with the provided identifier.
func (l *Ledger) Lookup(id string) (MessageRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	index, ok := l.byID[id]
	if !ok {
		return MessageRecord{}, false
	}
	return l.records[index], true
}

// Len returns the number of records in the ledger.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Ledger) admit(record MessageRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if _, exists := l.byID[record.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, record.ID)
	}
	l.byID[record.ID] = len(l.records)
	l.records = append(l.records, record)
	return nil
}

func (l *Ledger) persistLocked(ctx context.Context) error {
	records := l.records
	if records == nil {
		records = []MessageRecord{}
	}
	raw, err := store.Encode(records)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, store.KeyMessages, raw)
}

func (l *Ledger) snapshotLocked() []MessageRecord {
	copied := make([]MessageRecord, len(l.records))
	copy(copied, l.records)
	return copied
}

func (l *Ledger) logWarn(operation, reason string, err error, fields ...zap.Field) {
	l.logger.Warn("ledger warning", logFields(operation, reason, err, fields)...)
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	l.logger.Error("ledger error", logFields(operation, reason, err, fields)...)
}

func logFields(operation, reason string, err error, fields []zap.Field) []zap.Field {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	return append(attrs, fields...)
}
