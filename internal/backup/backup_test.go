package backup

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ebowwa/mcp-ssh-manager/internal/database"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&database.TrustedHostKey{Host: "10.0.0.5", Port: 22, Algorithm: "ssh-ed25519", Fingerprint: "SHA256:aaa"}).Error)
	require.NoError(t, db.Create(&database.GroupDefinition{Name: "web", Members: []string{"web1", "web2"}, Strategy: "rolling", DelayMs: 500}).Error)
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestDB(t)
	seed(t, src)

	data, err := Export(ctx, src)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, Write(data, &buf))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Contains(t, got.Summary(), "1 trusted keys, 1 groups")

	dst := newTestDB(t)
	require.NoError(t, Restore(ctx, dst, got, RestoreOptions{}))

	var keys []database.TrustedHostKey
	require.NoError(t, dst.Find(&keys).Error)
	require.Len(t, keys, 1)
	assert.Equal(t, "SHA256:aaa", keys[0].Fingerprint)

	var g database.GroupDefinition
	require.NoError(t, dst.First(&g, "name = ?", "web").Error)
	assert.Equal(t, []string{"web1", "web2"}, g.Members)
	assert.Equal(t, int64(500), g.DelayMs)
}

func TestRestoreMergeOverwritesCollisions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seed(t, db)
	require.NoError(t, db.Create(&database.GroupDefinition{Name: "db", Members: []string{"db1"}, Strategy: "parallel"}).Error)

	data := &Data{
		SchemaVersion: SchemaVersion,
		TrustedKeys:   []database.TrustedHostKey{{ID: 99, Host: "10.0.0.5", Port: 22, Algorithm: "ssh-ed25519", Fingerprint: "SHA256:bbb"}},
		Groups:        []database.GroupDefinition{{Name: "web", Members: []string{"web3"}, Strategy: "parallel"}},
	}
	require.NoError(t, Restore(ctx, db, data, RestoreOptions{}))

	var keys []database.TrustedHostKey
	require.NoError(t, db.Find(&keys).Error)
	require.Len(t, keys, 1)
	assert.Equal(t, "SHA256:bbb", keys[0].Fingerprint)

	var groups []database.GroupDefinition
	require.NoError(t, db.Order("name").Find(&groups).Error)
	require.Len(t, groups, 2, "merge keeps groups missing from the backup")
	assert.Equal(t, []string{"web3"}, groups[1].Members)
}

func TestRestoreFullReplaces(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seed(t, db)

	data := &Data{
		SchemaVersion: SchemaVersion,
		Groups:        []database.GroupDefinition{{Name: "db", Members: []string{"db1"}, Strategy: "parallel"}},
	}
	require.NoError(t, Restore(ctx, db, data, RestoreOptions{Full: true}))

	var n int64
	require.NoError(t, db.Model(&database.TrustedHostKey{}).Count(&n).Error)
	assert.Zero(t, n)
	var groups []database.GroupDefinition
	require.NoError(t, db.Find(&groups).Error)
	require.Len(t, groups, 1)
	assert.Equal(t, "db", groups[0].Name)
}

func TestReadRejectsGarbage(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("not a backup")))
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&Data{SchemaVersion: 42}, &buf))
	_, err = Read(&buf)
	assert.ErrorContains(t, err, "schema version 42")
}
