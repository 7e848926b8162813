package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeed_Generated(t *testing.T) {
	seed, err := loadSeed("", 3, 2, 30, "auction")
	require.NoError(t, err)
	require.Len(t, seed.Teams, 3)
	assert.Equal(t, 200, seed.Budget)
	assert.Equal(t, 30, seed.PerPickTimeLimit)
	for _, team := range seed.Teams {
		_, err := uuid.Parse(team.ID)
		assert.NoError(t, err)
		assert.NotEmpty(t, team.Username)
	}
}

func TestLoadSeed_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "Office league",
		"draft_type": "snake",
		"teams": [{"name": "Blitz"}, {"name": "Sack Attack", "username": "dana"}]
	}`), 0o600))

	seed, err := loadSeed(path, 0, 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, "Office league", seed.Name)
	assert.Equal(t, 3, seed.Rounds)
	assert.Equal(t, "Blitz", seed.Teams[0].Username)
	assert.Equal(t, "dana", seed.Teams[1].Username)
	assert.Zero(t, seed.Budget)
}

func TestLoadSeed_Invalid(t *testing.T) {
	_, err := loadSeed("", 1, 3, 60, "snake")
	assert.Error(t, err)
	_, err = loadSeed("", 4, 3, 60, "keeper")
	assert.Error(t, err)
}
