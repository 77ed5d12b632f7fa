package database

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRenameLegacyKeys = "2026-10-01_rename_legacy_storage_keys"

// Keys written by the browser client before storage keys were namespaced.
const (
	legacyKeyMessages = "chatMessages"
	legacyKeyIdentity = "name"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRenameLegacyKeys, apply: renameLegacyKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// renameLegacyKeys moves values stored under the browser-era keys to the namespaced ones.
// The legacy identity was a bare string and is re-encoded as JSON; a namespaced key that
// already exists always wins.
func renameLegacyKeys(tx *gorm.DB) error {
	if err := moveEntry(tx, legacyKeyMessages, store.KeyMessages, nil); err != nil {
		return err
	}
	return moveEntry(tx, legacyKeyIdentity, store.KeyIdentity, encodeLegacyIdentity)
}

func moveEntry(tx *gorm.DB, from, to string, convert func([]byte) ([]byte, error)) error {
	var legacy store.Entry
	err := tx.Where("entry_key = ?", from).Take(&legacy).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var existing int64
	if err := tx.Model(&store.Entry{}).Where("entry_key = ?", to).Count(&existing).Error; err != nil {
		return err
	}
	if existing == 0 {
		value := legacy.Value
		if convert != nil {
			converted, convertErr := convert(value)
			if convertErr != nil {
				return convertErr
			}
			value = converted
		}
		moved := store.Entry{Key: to, Value: value, UpdatedAtSeconds: legacy.UpdatedAtSeconds}
		if err := tx.Create(&moved).Error; err != nil {
			return err
		}
	}
	return tx.Where("entry_key = ?", from).Delete(&store.Entry{}).Error
}

func encodeLegacyIdentity(value []byte) ([]byte, error) {
	var decoded string
	if json.Unmarshal(value, &decoded) == nil {
		return value, nil
	}
	return json.Marshal(strings.TrimSpace(string(value)))
}
