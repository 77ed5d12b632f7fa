package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnKey   = "entry_key"
	queryKey    = columnKey + " = ?"
	opStoreGet  = "store.get"
	opStoreSet  = "store.set"
	opStoreDrop = "store.remove"
)

var errMissingDatabase = errors.New("store: database handle is required")

// Entry is a single persisted key-value pair.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	Value            []byte `gorm:"column:entry_value;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

// SQLStoreConfig describes the dependencies of a SQLStore.
type SQLStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SQLStore persists entries in the kv_entries table.
type SQLStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewSQLStore constructs a store over an already migrated database.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where(queryKey, key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		s.logError(opStoreGet, key, err)
		return nil, false, fmt.Errorf("%s: %w", opStoreGet, err)
	}
	return entry.Value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	entry := Entry{
		Key:              key,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnKey}},
			DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at_s"}),
		}).
		Create(&entry).Error
	if err != nil {
		s.logError(opStoreSet, key, err)
		return fmt.Errorf("%s: %w", opStoreSet, err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where(queryKey, key).Delete(&Entry{}).Error; err != nil {
		s.logError(opStoreDrop, key, err)
		return fmt.Errorf("%s: %w", opStoreDrop, err)
	}
	return nil
}

func (s *SQLStore) logError(operation, key string, err error) {
	s.logger.Error("store error",
		zap.String("operation", operation),
		zap.String("key", key),
		zap.Error(err))
}
