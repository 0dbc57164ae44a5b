package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestInitCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fleet.db")
	require.NoError(t, Init(path))
	t.Cleanup(func() { Close() })
	require.NotNil(t, DB)
	assert.FileExists(t, path)
}

func TestTrustedHostKeyUniquePerAlgorithm(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Create(&TrustedHostKey{Host: "h", Port: 22, Algorithm: "ssh-ed25519", Fingerprint: "SHA256:a"}).Error)
	require.NoError(t, db.Create(&TrustedHostKey{Host: "h", Port: 22, Algorithm: "rsa-sha2-512", Fingerprint: "SHA256:b"}).Error)
	err := db.Create(&TrustedHostKey{Host: "h", Port: 22, Algorithm: "ssh-ed25519", Fingerprint: "SHA256:c"}).Error
	assert.Error(t, err)
}

func TestGroupMembersRoundTripInOrder(t *testing.T) {
	db := openTestDB(t)
	g := GroupDefinition{Name: "web", Members: []string{"c", "a", "b"}, Strategy: "rolling", DelayMs: 1500, StopOnError: true}
	require.NoError(t, db.Create(&g).Error)

	var got GroupDefinition
	require.NoError(t, db.First(&got, "name = ?", "web").Error)
	assert.Equal(t, []string{"c", "a", "b"}, got.Members)
	assert.Equal(t, int64(1500), got.DelayMs)
	assert.True(t, got.StopOnError)
}

func TestRecentCommands(t *testing.T) {
	db := openTestDB(t)
	for _, c := range []CommandHistory{
		{Server: "a", Command: "uptime"},
		{Server: "b", Command: "df -h"},
		{Server: "a", Command: "whoami", ExitCode: 1},
	} {
		require.NoError(t, RecordCommand(db, c))
	}

	got, err := RecentCommands(db, "a", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "whoami", got[0].Command)
	assert.Equal(t, 1, got[0].ExitCode)

	all, err := RecentCommands(db, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
