// Command validate checks an exported row file for the guarantees the ETL
// makes: a stable header, one row per (region, acquisition time), null-policy
// compliance and physically plausible band values. Given the scene manifest
// the run was made from, it also cross-checks acquisition IDs and times.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -csv mmts_data.csv \
//	  -scene data/mock/scene.json \
//	  -null-handling ExcludeAllNulls
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/adapter/csvsink"
	"github.com/couchcryptid/mmts-etl/internal/adapter/scene"
	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/indices"
	"github.com/couchcryptid/mmts-etl/internal/weather"
	"github.com/couchcryptid/mmts-etl/internal/zonal"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// valueRange is an inclusive [lo, hi] bound for a band column.
type valueRange struct{ lo, hi float64 }

var bandRanges = map[string]valueRange{
	domain.BandSlope:                 {0, 90},
	domain.BandLIA:                   {0, 180},
	indices.IndexNDVI:                {-1, 1},
	indices.IndexNDVIRedEdge:         {-1, 1},
	indices.IndexNDWI:                {-1, 1},
	indices.IndexNDMI:                {-1, 1},
	indices.ParamFAPAR:               {0, 1},
	indices.ParamLAI:                 {0, math.Inf(1)},
	indices.IndexRVI:                 {0, 4},
	indices.IndexRFDI:                {-1, 1},
	weather.BandPrecipitation12h:     {0, math.Inf(1)},
	weather.BandPrecipitationCurrent: {0, math.Inf(1)},
}

func main() {
	csvPath := flag.String("csv", "", "path to the exported row CSV")
	scenePath := flag.String("scene", "", "optional scene manifest the run was made from")
	nullHandling := flag.String("null-handling", string(zonal.ExcludeAllNulls), "null policy the run used")
	opticalKey := flag.String("optical-key", domain.BandLAI, "optical key band the run used")
	flag.Parse()

	if *csvPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*csvPath, *scenePath, *nullHandling, *opticalKey); code != 0 {
		os.Exit(code)
	}
}

func run(csvPath, scenePath, nullHandling, opticalKey string) int {
	fmt.Println("=== MMTS Row Integrity Validation ===")
	fmt.Println()

	policy, err := zonal.ParseNullPolicy(nullHandling)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	filter := zonal.NewFilter(policy)
	filter.OpticalKey = opticalKey

	header, rows, err := loadCSV(csvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load rows: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateHeader(header),
		validateUniqueness(header, rows),
		validateNullPolicy(rows, filter),
		validateRanges(rows),
	}

	if scenePath != "" {
		m, err := loadManifest(scenePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load scene: %v\n", err)
			return 1
		}
		phases = append(phases, validateAcquisitions(rows, m))
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Rows: %d, columns: %d\n", len(rows), len(header))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

// csvRow is a parsed CSV row with field values keyed by header name.
type csvRow struct {
	lineNum int
	width   int
	fields  map[string]string
}

func loadCSV(path string) ([]string, []csvRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("no header in %s", path)
	}

	header := all[0]
	rows := make([]csvRow, 0, len(all)-1)
	for i, row := range all[1:] {
		fields := make(map[string]string, len(header))
		for j, h := range header {
			if j < len(row) {
				fields[h] = row[j]
			}
		}
		rows = append(rows, csvRow{lineNum: i + 2, width: len(row), fields: fields})
	}
	return header, rows, nil
}

func loadManifest(path string) (scene.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return scene.Manifest{}, err
	}
	var m scene.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return scene.Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// aggregatedRow rebuilds the band values of a CSV row. Every column after
// the leading ones is treated as a value; empty cells are null.
func aggregatedRow(r csvRow) domain.AggregatedRow {
	row := domain.AggregatedRow{
		RegionID:      r.fields[csvsink.ColRegionID],
		AcquisitionID: r.fields[csvsink.ColAcquisitionID],
		Values:        make(map[string]float64),
	}
	for k, v := range r.fields {
		if slices.Contains(csvsink.LeadingColumns, k) {
			continue
		}
		if v == "" {
			row.Values[k] = domain.Null()
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			row.Values[k] = f
		}
	}
	return row
}

// ── Phase 1: header ──

func validateHeader(header []string) *phase {
	p := &phase{name: "Phase 1: Header"}
	fmt.Println("Phase 1: Header...")

	if len(header) < len(csvsink.LeadingColumns) || !slices.Equal(header[:len(csvsink.LeadingColumns)], csvsink.LeadingColumns) {
		p.errorf("leading columns = %v, want %v", header[:min(len(header), len(csvsink.LeadingColumns))], csvsink.LeadingColumns)
	}
	seen := make(map[string]bool, len(header))
	for _, h := range header {
		if seen[h] {
			p.errorf("duplicate column %q", h)
		}
		seen[h] = true
	}
	return p
}

// ── Phase 2: uniqueness ──

func validateUniqueness(header []string, rows []csvRow) *phase {
	p := &phase{name: "Phase 2: One row per region and time"}
	fmt.Println("Phase 2: One row per region and time...")

	seen := make(map[string]int, len(rows))
	for _, r := range rows {
		if r.width != len(header) {
			p.errorf("line %d: %d fields, header has %d", r.lineNum, r.width, len(header))
		}
		key := r.fields[csvsink.ColRegionID] + "|" + r.fields[csvsink.ColTime]
		if first, ok := seen[key]; ok {
			p.errorf("line %d: region %s at %s already on line %d",
				r.lineNum, r.fields[csvsink.ColRegionID], r.fields[csvsink.ColTime], first)
			continue
		}
		seen[key] = r.lineNum
	}
	return p
}

// ── Phase 3: null policy ──

func validateNullPolicy(rows []csvRow, filter zonal.Filter) *phase {
	p := &phase{name: fmt.Sprintf("Phase 3: Null policy (%s)", filter.Policy)}
	fmt.Println("Phase 3: Null policy...")

	for _, r := range rows {
		row := aggregatedRow(r)
		if !filter.Keep(row) {
			p.errorf("line %d: region %s acquisition %s should have been dropped (%s=%q, %s=%q, %s=%q)",
				r.lineNum, row.RegionID, row.AcquisitionID,
				domain.BandElevation, r.fields[domain.BandElevation],
				filter.RadarKey, r.fields[filter.RadarKey],
				filter.OpticalKey, r.fields[filter.OpticalKey])
		}
	}
	return p
}

// ── Phase 4: value ranges ──

func validateRanges(rows []csvRow) *phase {
	p := &phase{name: "Phase 4: Field formats and value ranges"}
	fmt.Println("Phase 4: Field formats and value ranges...")

	for _, r := range rows {
		if r.fields[csvsink.ColRegionID] == "" {
			p.errorf("line %d: empty region_id", r.lineNum)
		}
		if _, err := time.Parse(time.RFC3339, r.fields[csvsink.ColTime]); err != nil {
			p.errorf("line %d: time %q is not RFC3339", r.lineNum, r.fields[csvsink.ColTime])
		}
		if n, err := strconv.Atoi(r.fields[csvsink.ColMatchCount]); err != nil || n < 1 {
			p.errorf("line %d: match_count %q must be a positive integer", r.lineNum, r.fields[csvsink.ColMatchCount])
		}
		for band, rng := range bandRanges {
			v, ok := r.fields[band]
			if !ok || v == "" {
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				p.errorf("line %d: %s=%q is not a number", r.lineNum, band, v)
				continue
			}
			if f < rng.lo || f > rng.hi {
				p.errorf("line %d: %s=%g outside [%g, %g]", r.lineNum, band, f, rng.lo, rng.hi)
			}
		}
	}
	return p
}

// ── Phase 5: acquisitions ──

func validateAcquisitions(rows []csvRow, m scene.Manifest) *phase {
	p := &phase{name: "Phase 5: Acquisitions match scene"}
	fmt.Println("Phase 5: Acquisitions match scene...")

	radar := make(map[string]time.Time, len(m.Radar))
	for _, l := range m.Radar {
		radar[l.ID] = l.Time.UTC()
	}
	for _, r := range rows {
		id := r.fields[csvsink.ColAcquisitionID]
		want, ok := radar[id]
		if !ok {
			p.errorf("line %d: acquisition %q is not a radar layer of the scene", r.lineNum, id)
			continue
		}
		got, err := time.Parse(time.RFC3339, r.fields[csvsink.ColTime])
		if err == nil && !got.Equal(want) {
			p.errorf("line %d: acquisition %s time %s, scene has %s",
				r.lineNum, id, got.Format(time.RFC3339), want.Format(time.RFC3339))
		}
	}
	return p
}
