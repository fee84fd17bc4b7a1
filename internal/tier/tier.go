// Package tier maps lifetime points to membership tiers.
//
// Thresholds live in a Table built from configuration. Lifetime points never
// decrease, so a tier computed from them never goes down either.
package tier

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/iurnickita/loyalty/internal/model"
)

var (
	ErrUnknownTier  = errors.New("unknown tier")
	ErrMissingTier  = errors.New("missing tier")
	ErrInvalidRange = errors.New("invalid tier range")
)

// Range is a half-open interval [Min, Max) of lifetime points. A nil Max is unbounded.
type Range struct {
	Min int64  `yaml:"min"`
	Max *int64 `yaml:"max"`
}

type band struct {
	tier model.Tier
	min  int64
	max  int64
	open bool
}

// Table is an ordered, validated threshold table.
type Table struct {
	bands []band
}

func bound(v int64) *int64 { return &v }

// Default returns bronze [0, 1000), silver [1000, 5000), gold [5000, 15000), platinum [15000, inf).
func Default() Table {
	t, err := New(map[model.Tier]Range{
		model.TierBronze:   {Min: 0, Max: bound(1000)},
		model.TierSilver:   {Min: 1000, Max: bound(5000)},
		model.TierGold:     {Min: 5000, Max: bound(15000)},
		model.TierPlatinum: {Min: 15000},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// New validates ranges and builds a Table. Every tier must be present, ranges must
// be contiguous starting at zero and only the top tier may be unbounded.
func New(ranges map[model.Tier]Range) (Table, error) {
	for t := range ranges {
		if !t.Valid() {
			return Table{}, fmt.Errorf("%w: %q", ErrUnknownTier, t)
		}
	}

	bands := make([]band, 0, len(model.Tiers))
	for i, t := range model.Tiers {
		r, ok := ranges[t]
		if !ok {
			return Table{}, fmt.Errorf("%w: %s", ErrMissingTier, t)
		}
		last := i == len(model.Tiers)-1
		switch {
		case last && r.Max != nil:
			return Table{}, fmt.Errorf("%w: %s must be unbounded", ErrInvalidRange, t)
		case !last && r.Max == nil:
			return Table{}, fmt.Errorf("%w: %s needs a max", ErrInvalidRange, t)
		case !last && *r.Max <= r.Min:
			return Table{}, fmt.Errorf("%w: %s max %d <= min %d", ErrInvalidRange, t, *r.Max, r.Min)
		}
		if i == 0 && r.Min != 0 {
			return Table{}, fmt.Errorf("%w: %s must start at 0", ErrInvalidRange, t)
		}
		if i > 0 && bands[i-1].max != r.Min {
			return Table{}, fmt.Errorf("%w: %s starts at %d, previous tier ends at %d",
				ErrInvalidRange, t, r.Min, bands[i-1].max)
		}

		b := band{tier: t, min: r.Min, open: last}
		if !last {
			b.max = *r.Max
		}
		bands = append(bands, b)
	}

	return Table{bands: bands}, nil
}

type tableFile struct {
	Tiers map[string]Range `yaml:"tiers"`
}

// Parse reads a YAML document of the form
//
//	tiers:
//	  bronze:   {min: 0, max: 1000}
//	  ...
//	  platinum: {min: 15000}
func Parse(data []byte) (Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Table{}, fmt.Errorf("parse tier table: %w", err)
	}
	ranges := make(map[model.Tier]Range, len(f.Tiers))
	for name, r := range f.Tiers {
		ranges[model.Tier(name)] = r
	}
	return New(ranges)
}

// LoadTable reads the tier table from path.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read tier table: %w", err)
	}
	return Parse(data)
}

func (t Table) index(lifetime int64) int {
	for i := len(t.bands) - 1; i > 0; i-- {
		if lifetime >= t.bands[i].min {
			return i
		}
	}
	return 0
}

// TierFor is total: negative input lands in the lowest tier.
func (t Table) TierFor(lifetime int64) model.Tier {
	return t.bands[t.index(lifetime)].tier
}

func (t Table) Progress(lifetime int64) model.Progress {
	i := t.index(lifetime)
	cur := t.bands[i]

	into := lifetime - cur.min
	if into < 0 {
		into = 0
	}
	p := model.Progress{Tier: cur.tier, PointsIntoTier: into}
	if cur.open {
		return p
	}

	next := t.bands[i+1]
	p.NextTier = next.tier
	p.PointsToNext = max(0, next.min-lifetime)
	return p
}
