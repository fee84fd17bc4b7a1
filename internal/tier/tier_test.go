package tier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iurnickita/loyalty/internal/model"
)

func TestTierFor(t *testing.T) {
	table := Default()

	tests := []struct {
		lifetime int64
		want     model.Tier
	}{
		{-5, model.TierBronze},
		{0, model.TierBronze},
		{999, model.TierBronze},
		{1000, model.TierSilver},
		{4999, model.TierSilver},
		{5000, model.TierGold},
		{14999, model.TierGold},
		{15000, model.TierPlatinum},
		{1 << 40, model.TierPlatinum},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, table.TierFor(tt.lifetime), "lifetime %d", tt.lifetime)
	}
}

func TestProgress(t *testing.T) {
	table := Default()

	require.Equal(t, model.Progress{
		Tier: model.TierBronze, PointsIntoTier: 500, PointsToNext: 500, NextTier: model.TierSilver,
	}, table.Progress(500))

	require.Equal(t, model.Progress{
		Tier: model.TierSilver, PointsIntoTier: 100, PointsToNext: 3900, NextTier: model.TierGold,
	}, table.Progress(1100))

	// top tier has nowhere to go
	require.Equal(t, model.Progress{
		Tier: model.TierPlatinum, PointsIntoTier: 5000,
	}, table.Progress(20000))
}

func TestParse(t *testing.T) {
	table, err := Parse([]byte(`
tiers:
  bronze:   {min: 0, max: 500}
  silver:   {min: 500, max: 2000}
  gold:     {min: 2000, max: 8000}
  platinum: {min: 8000}
`))
	require.NoError(t, err)
	require.Equal(t, model.TierSilver, table.TierFor(500))
	require.Equal(t, model.TierPlatinum, table.TierFor(8000))
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		err  error
	}{
		{
			name: "unknown tier",
			doc: `
tiers:
  bronze:   {min: 0, max: 1000}
  silver:   {min: 1000, max: 5000}
  gold:     {min: 5000, max: 15000}
  platinum: {min: 15000}
  diamond:  {min: 50000}
`,
			err: ErrUnknownTier,
		},
		{
			name: "missing tier",
			doc: `
tiers:
  bronze:   {min: 0, max: 1000}
  silver:   {min: 1000, max: 5000}
  platinum: {min: 5000}
`,
			err: ErrMissingTier,
		},
		{
			name: "gap",
			doc: `
tiers:
  bronze:   {min: 0, max: 1000}
  silver:   {min: 1200, max: 5000}
  gold:     {min: 5000, max: 15000}
  platinum: {min: 15000}
`,
			err: ErrInvalidRange,
		},
		{
			name: "bounded top tier",
			doc: `
tiers:
  bronze:   {min: 0, max: 1000}
  silver:   {min: 1000, max: 5000}
  gold:     {min: 5000, max: 15000}
  platinum: {min: 15000, max: 20000}
`,
			err: ErrInvalidRange,
		},
		{
			name: "bronze not at zero",
			doc: `
tiers:
  bronze:   {min: 10, max: 1000}
  silver:   {min: 1000, max: 5000}
  gold:     {min: 5000, max: 15000}
  platinum: {min: 15000}
`,
			err: ErrInvalidRange,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  bronze:   {min: 0, max: 1000}
  silver:   {min: 1000, max: 5000}
  gold:     {min: 5000, max: 15000}
  platinum: {min: 15000}
`), 0o600))

	table, err := LoadTable(path)
	require.NoError(t, err)
	require.Equal(t, Default(), table)

	_, err = LoadTable(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
