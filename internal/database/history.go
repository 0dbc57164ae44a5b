package database

import (
	"fmt"

	"gorm.io/gorm"
)

// RecordCommand appends one entry to the command history.
func RecordCommand(db *gorm.DB, entry CommandHistory) error {
	if err := db.Create(&entry).Error; err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

// RecentCommands returns up to limit history entries, newest first. An empty
// server returns entries for every server.
func RecentCommands(db *gorm.DB, server string, limit int) ([]CommandHistory, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	tx := db.Model(&CommandHistory{})
	if server != "" {
		tx = tx.Where("server = ?", server)
	}
	var out []CommandHistory
	if err := tx.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query command history: %w", err)
	}
	return out, nil
}
