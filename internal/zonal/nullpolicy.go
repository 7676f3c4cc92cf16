package zonal

import (
	"fmt"
	"slices"

	"github.com/couchcryptid/mmts-etl/internal/domain"
)

// NullPolicy selects which rows with missing values are exported.
type NullPolicy string

const (
	// ExcludeAllNulls drops rows with a null optical key or radar key band.
	ExcludeAllNulls NullPolicy = "ExcludeAllNulls"
	// IncludeOpticalNulls drops rows with a null radar key band only.
	IncludeOpticalNulls NullPolicy = "IncludeOpticalNulls"
	// IncludeAllNulls keeps rows regardless of nulls.
	IncludeAllNulls NullPolicy = "IncludeAllNulls"
)

// ParseNullPolicy validates a policy name.
func ParseNullPolicy(s string) (NullPolicy, error) {
	switch p := NullPolicy(s); p {
	case ExcludeAllNulls, IncludeOpticalNulls, IncludeAllNulls:
		return p, nil
	default:
		return "", fmt.Errorf("unknown null policy %q", s)
	}
}

// Filter applies a NullPolicy. Under every policy a row is dropped when one
// of the zero-sentinel bands is exactly 0, which marks pixels outside the
// source coverage. A null or absent band is never treated as 0.
type Filter struct {
	Policy     NullPolicy
	OpticalKey string
	RadarKey   string
	ZeroBands  []string
}

// NewFilter returns a Filter with the default key bands: LAI for optical, VH
// for radar, and DEM and LAI as zero sentinels.
func NewFilter(policy NullPolicy) Filter {
	return Filter{
		Policy:     policy,
		OpticalKey: domain.BandLAI,
		RadarKey:   domain.BandVH,
		ZeroBands:  []string{domain.BandElevation, domain.BandLAI},
	}
}

// Keep reports whether row passes the filter. An unknown or empty policy
// keeps nothing.
func (f Filter) Keep(row domain.AggregatedRow) bool {
	for _, band := range f.ZeroBands {
		if v, ok := row.Value(band); ok && v == 0 {
			return false
		}
	}
	_, opticalOK := row.Value(f.OpticalKey)
	_, radarOK := row.Value(f.RadarKey)

	switch f.Policy {
	case ExcludeAllNulls:
		return opticalOK && radarOK
	case IncludeOpticalNulls:
		return radarOK
	case IncludeAllNulls:
		return true
	default:
		return false
	}
}

// Apply returns the rows that pass, preserving order, and the number dropped.
func (f Filter) Apply(rows []domain.AggregatedRow) ([]domain.AggregatedRow, int) {
	kept := slices.DeleteFunc(slices.Clone(rows), func(r domain.AggregatedRow) bool { return !f.Keep(r) })
	return kept, len(rows) - len(kept)
}
