package tune

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	DefaultRound    = 1.0
	DefaultDecimals = 2

	roundPrefix    = "round-"
	decimalsPrefix = "decimals-"
	defaultSuffix  = "default"

	// Absorbs representation error such as 0.29*100 = 28.999999999999996 before flooring.
	truncationEpsilon = 1e-9
)

// NeighborhoodKey is the canonical form of a tune after quantisation, "lab:v1:v2:...:vn". Jobs whose tunes map to
// the same key are equivalent for caching and deduplication.
type NeighborhoodKey string

// WithinNeighborhood reports whether two keys denote the same neighborhood.
func WithinNeighborhood(a, b NeighborhoodKey) bool {
	return a == b
}

// Quantisation is the resolution of one parameter: values are divided by Round and truncated to Decimals digits.
type Quantisation struct {
	Round    float64
	Decimals int
}

// QuantisationTable holds per-parameter quantisations. Parameters without an entry use Default.
type QuantisationTable struct {
	Default      Quantisation
	PerParameter map[string]Quantisation
}

func NewQuantisationTable() *QuantisationTable {
	return &QuantisationTable{
		Default:      Quantisation{Round: DefaultRound, Decimals: DefaultDecimals},
		PerParameter: map[string]Quantisation{},
	}
}

// QuantisationTableFromOptions builds a table from the flat tuning options round-<param>, decimals-<param>,
// round-default and decimals-default.
func QuantisationTableFromOptions(options map[string]float64) (*QuantisationTable, error) {
	table := NewQuantisationTable()
	// Defaults first so that per-parameter entries inherit them.
	keys := maps.Keys(options)
	slices.SortFunc(keys, func(a, b string) bool {
		return strings.HasSuffix(a, "-"+defaultSuffix) && !strings.HasSuffix(b, "-"+defaultSuffix)
	})
	for _, key := range keys {
		value := options[key]
		var name string
		var isRound bool
		switch {
		case strings.HasPrefix(key, roundPrefix):
			name, isRound = strings.TrimPrefix(key, roundPrefix), true
		case strings.HasPrefix(key, decimalsPrefix):
			name = strings.TrimPrefix(key, decimalsPrefix)
		default:
			return nil, errors.Errorf("unknown tuning option %q", key)
		}
		if name == "" {
			return nil, errors.Errorf("tuning option %q names no parameter", key)
		}
		if isRound && value <= 0 {
			return nil, errors.Errorf("tuning option %q must be positive, got %v", key, value)
		}
		if !isRound && (value < 0 || value != math.Trunc(value)) {
			return nil, errors.Errorf("tuning option %q must be a non-negative integer, got %v", key, value)
		}

		var q Quantisation
		if name == defaultSuffix {
			q = table.Default
		} else {
			q = table.For(name)
		}
		if isRound {
			q.Round = value
		} else {
			q.Decimals = int(value)
		}
		if name == defaultSuffix {
			table.Default = q
		} else {
			table.PerParameter[name] = q
		}
	}
	return table, nil
}

// For returns the quantisation of the named parameter.
func (qt *QuantisationTable) For(name string) Quantisation {
	if q, ok := qt.PerParameter[name]; ok {
		return q
	}
	return qt.Default
}

// Step is the width of one neighborhood along the named parameter, in parameter units.
func (qt *QuantisationTable) Step(name string) float64 {
	q := qt.For(name)
	return q.Round * math.Pow(10, -float64(q.Decimals))
}

// Canonicalise computes the neighborhood key of t. Truncation is one-sided so that moving a slider by one tick
// always lands in the neighbouring key.
func (qt *QuantisationTable) Canonicalise(t Tune) NeighborhoodKey {
	var sb strings.Builder
	sb.WriteString(t.lab)
	for _, p := range t.params {
		q := qt.For(p.Name)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatFloat(truncate(p.Value/q.Round, q.Decimals), 'f', q.Decimals, 64))
	}
	return NeighborhoodKey(sb.String())
}

func truncate(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	scaled := v * scale
	t := math.Floor(scaled + truncationEpsilon*math.Max(1, math.Abs(scaled)))
	// +0 turns -0 into 0 so both format as "0.00".
	return t/scale + 0
}
