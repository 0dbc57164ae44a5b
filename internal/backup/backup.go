// Package backup exports and restores the persistent fleet state: trusted
// host keys and group definitions. Backups are zstd-compressed JSON.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ebowwa/mcp-ssh-manager/internal/database"
)

// SchemaVersion is written into every backup.
const SchemaVersion = 1

// Data is the decoded content of a backup.
type Data struct {
	SchemaVersion int                        `json:"schema_version"`
	CreatedAt     time.Time                  `json:"created_at"`
	TrustedKeys   []database.TrustedHostKey  `json:"trusted_keys"`
	Groups        []database.GroupDefinition `json:"groups"`
}

// RestoreOptions controls how a backup is applied.
type RestoreOptions struct {
	// Full replaces the current tables. Otherwise backup rows are merged
	// into existing ones, overwriting on key collisions.
	Full bool
}

// Export reads the current state from db.
func Export(ctx context.Context, db *gorm.DB) (*Data, error) {
	data := &Data{SchemaVersion: SchemaVersion, CreatedAt: time.Now().UTC()}
	tx := db.WithContext(ctx)
	if err := tx.Order("host, port, algorithm").Find(&data.TrustedKeys).Error; err != nil {
		return nil, fmt.Errorf("export trusted keys: %w", err)
	}
	if err := tx.Order("name").Find(&data.Groups).Error; err != nil {
		return nil, fmt.Errorf("export groups: %w", err)
	}
	return data, nil
}

// Write encodes data as compressed JSON into w.
func Write(data *Data, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		zw.Close()
		return fmt.Errorf("encode backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush backup: %w", err)
	}
	return nil
}

// Read decodes a backup produced by Write.
func Read(r io.Reader) (*Data, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	var data Data
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode backup: %w", err)
	}
	if data.SchemaVersion < 1 || data.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("unsupported backup schema version %d", data.SchemaVersion)
	}
	return &data, nil
}

// Restore applies data to db in a single transaction.
func Restore(ctx context.Context, db *gorm.DB, data *Data, opts RestoreOptions) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.Full {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&database.TrustedHostKey{}).Error; err != nil {
				return fmt.Errorf("clear trusted keys: %w", err)
			}
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&database.GroupDefinition{}).Error; err != nil {
				return fmt.Errorf("clear groups: %w", err)
			}
		}
		for _, k := range data.TrustedKeys {
			k.ID = 0
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "host"}, {Name: "port"}, {Name: "algorithm"}},
				DoUpdates: clause.AssignmentColumns([]string{"fingerprint", "updated_at"}),
			}).Create(&k).Error
			if err != nil {
				return fmt.Errorf("restore key for %s:%d: %w", k.Host, k.Port, err)
			}
		}
		for _, g := range data.Groups {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"members", "strategy", "delay_ms", "stop_on_error", "updated_at"}),
			}).Create(&g).Error
			if err != nil {
				return fmt.Errorf("restore group %s: %w", g.Name, err)
			}
		}
		return nil
	})
}

// Summary describes what a backup contains.
func (d *Data) Summary() string {
	return fmt.Sprintf("%d trusted keys, %d groups (schema %d, created %s)",
		len(d.TrustedKeys), len(d.Groups), d.SchemaVersion, d.CreatedAt.Format(time.RFC3339))
}
