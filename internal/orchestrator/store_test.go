package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebowwa/mcp-ssh-manager/internal/config"
	"github.com/ebowwa/mcp-ssh-manager/internal/database"
	"github.com/ebowwa/mcp-ssh-manager/internal/fleeterr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewStore(db)
}

func TestStoreCRUD(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(Definition{Name: "web", Members: []string{"b", "a"}, Strategy: Rolling, Delay: 1500 * time.Millisecond}))
	got, err := s.Get("web")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, got.Members)
	assert.Equal(t, Rolling, got.Strategy)
	assert.Equal(t, 1500*time.Millisecond, got.Delay)

	require.NoError(t, s.Save(Definition{Name: "web", Members: []string{"a"}}))
	got, err = s.Get("web")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Members)
	assert.Equal(t, Parallel, got.Strategy)

	require.NoError(t, s.Save(Definition{Name: "db", Members: []string{"c"}}))
	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "db", all[0].Name)

	require.NoError(t, s.Delete("db"))
	assert.ErrorIs(t, s.Delete("db"), fleeterr.NotFound)
	_, err = s.Get("db")
	assert.ErrorIs(t, err, fleeterr.NotFound)
}

func TestStoreRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	for name, d := range map[string]Definition{
		"all":       {Name: config.AllGroup, Members: []string{"a"}},
		"empty":     {Name: "x"},
		"duplicate": {Name: "x", Members: []string{"a", "a"}},
		"strategy":  {Name: "x", Members: []string{"a"}, Strategy: "zigzag"},
		"no name":   {Members: []string{"a"}},
	} {
		assert.Error(t, s.Save(d), name)
	}
}

func TestStoreSeed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Seed(map[string]config.GroupSeed{
		"web": {Members: []string{"a", "b"}, Strategy: "sequential", StopOnError: true},
	}))
	got, err := s.Get("web")
	require.NoError(t, err)
	assert.Equal(t, Sequential, got.Strategy)
	assert.True(t, got.StopOnError)
}

func TestSaveGroupChecksInventory(t *testing.T) {
	o := New(&fakeRunner{}, newTestStore(t), names{"a"}, Config{})
	err := o.SaveGroup(Definition{Name: "web", Members: []string{"a", "ghost"}})
	assert.ErrorIs(t, err, fleeterr.NotFound)
	assert.NoError(t, o.SaveGroup(Definition{Name: "web", Members: []string{"a"}}))
}
