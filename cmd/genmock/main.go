// Command genmock writes a synthetic scene manifest for local runs and the
// integration suite. Terrain, radar, optical, land cover and climate layers
// are drawn from a seeded generator, so the same flags always produce the
// same file.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/scene.json -start 2021-06-01 -days 30
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/adapter/scene"
	"github.com/couchcryptid/mmts-etl/internal/config"
	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/geo"
	"github.com/couchcryptid/mmts-etl/internal/indices"
	"github.com/couchcryptid/mmts-etl/internal/mask"
	"github.com/couchcryptid/mmts-etl/internal/sample"
	"gonum.org/v1/gonum/mat"
)

const (
	pixelSize = 10.0
	// Sentinel-1 and Sentinel-2 revisit intervals over a single orbit track.
	radarRevisit   = 6 * 24 * time.Hour
	opticalRevisit = 5 * 24 * time.Hour
)

type options struct {
	out       string
	start     time.Time
	days      int
	tileSize  int
	tilesX    int
	tilesY    int
	seed      uint64
	cloudRate float64
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output path for the scene manifest")
	start := flag.String("start", "2021-06-01", "first acquisition day (YYYY-MM-DD)")
	days := flag.Int("days", 30, "number of days to cover")
	tileSize := flag.Int("tile-size", 32, "pixels per elevation tile side")
	tilesX := flag.Int("tiles-x", 2, "elevation tiles across")
	tilesY := flag.Int("tiles-y", 2, "elevation tiles down")
	seed := flag.Uint64("seed", 1, "random seed")
	cloudRate := flag.Float64("cloud-rate", 0.3, "share of optical acquisitions that are cloudy")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}
	t0, err := time.Parse(config.DateLayout, *start)
	if err != nil {
		return fmt.Errorf("parse -start: %w", err)
	}
	if *days < 1 || *tileSize < 4 || *tilesX < 1 || *tilesY < 1 {
		return fmt.Errorf("-days must be >= 1, -tile-size >= 4 and tile counts >= 1")
	}

	opts := options{
		out: *out, start: t0, days: *days, tileSize: *tileSize,
		tilesX: *tilesX, tilesY: *tilesY, seed: *seed, cloudRate: *cloudRate,
	}
	m, err := generate(opts)
	if err != nil {
		return err
	}
	if err := writeJSON(opts.out, m); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	log.Printf("wrote scene manifest: %s", opts.out)

	printStats(m)
	return nil
}

func generate(opts options) (scene.Manifest, error) {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x5851f42d4c957f2d))
	full := domain.Grid{
		X0:        0,
		Y0:        float64(opts.tilesY*opts.tileSize) * pixelSize,
		PixelSize: pixelSize,
		Cols:      opts.tilesX * opts.tileSize,
		Rows:      opts.tilesY * opts.tileSize,
	}

	m := scene.Manifest{StudyArea: geo.NewPolygonGeometry(full.Footprint())}

	var err error
	if m.Terrain, err = terrainTiles(opts, full); err != nil {
		return scene.Manifest{}, fmt.Errorf("terrain: %w", err)
	}
	lc, err := landCover(rng, full)
	if err != nil {
		return scene.Manifest{}, fmt.Errorf("land cover: %w", err)
	}
	m.LandCover = &lc

	end := opts.start.AddDate(0, 0, opts.days)
	i := 0
	for t := opts.start.Add(5*time.Hour + 30*time.Minute); t.Before(end); t = t.Add(radarRevisit) {
		l, err := radarLayer(rng, full, fmt.Sprintf("S1A_%03d", i), t)
		if err != nil {
			return scene.Manifest{}, fmt.Errorf("radar: %w", err)
		}
		m.Radar = append(m.Radar, l)
		i++
	}
	i = 0
	for t := opts.start.Add(10*time.Hour + 30*time.Minute); t.Before(end); t = t.Add(opticalRevisit) {
		l, err := opticalLayer(rng, full, fmt.Sprintf("S2B_%03d", i), t, rng.Float64() < opts.cloudRate)
		if err != nil {
			return scene.Manifest{}, fmt.Errorf("optical: %w", err)
		}
		m.Optical = append(m.Optical, l)
		i++
	}

	for t := opts.start.Add(-12 * time.Hour); !t.After(end); t = t.Add(time.Hour) {
		m.Climate = append(m.Climate, climateSample(rng, t))
	}
	return m, nil
}

// terrainTiles splits a smooth elevation surface into tiles so the
// derivatives have to be computed across tile seams.
func terrainTiles(opts options, full domain.Grid) ([]scene.Layer, error) {
	var out []scene.Layer
	for ty := range opts.tilesY {
		for tx := range opts.tilesX {
			g := domain.Grid{
				X0:        full.X0 + float64(tx*opts.tileSize)*pixelSize,
				Y0:        full.Y0 - float64(ty*opts.tileSize)*pixelSize,
				PixelSize: pixelSize,
				Cols:      opts.tileSize,
				Rows:      opts.tileSize,
			}
			r := domain.NewRaster(g, time.Time{})
			dem := domain.NewBand(g, 0)
			for row := range g.Rows {
				for col := range g.Cols {
					p := g.Center(row, col)
					dem.Set(row, col, elevation(p))
				}
			}
			if err := r.SetBand(domain.BandElevation, dem); err != nil {
				return nil, err
			}
			l, err := scene.NewLayer(fmt.Sprintf("dem_%d_%d", tx, ty), r, g.Footprint(), nil)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		}
	}
	return out, nil
}

func elevation(p geo.Point) float64 {
	return 250 + 0.05*p.X() + 0.02*p.Y() + 8*math.Sin(p.X()/90)*math.Cos(p.Y()/70)
}

// landCover lays out square parcels, each a single WorldCover class.
func landCover(rng *rand.Rand, g domain.Grid) (scene.Layer, error) {
	const parcel = 8
	classes := sample.ValidClasses
	r := domain.NewRaster(g, time.Time{})
	band := domain.NewBand(g, 0)
	for pr := 0; pr < g.Rows; pr += parcel {
		for pc := 0; pc < g.Cols; pc += parcel {
			class := classes[rng.IntN(len(classes))]
			for row := pr; row < min(pr+parcel, g.Rows); row++ {
				for col := pc; col < min(pc+parcel, g.Cols); col++ {
					band.Set(row, col, class)
				}
			}
		}
	}
	if err := r.SetBand(domain.BandLandCover, band); err != nil {
		return scene.Layer{}, err
	}
	return scene.NewLayer("worldcover", r, geo.Polygon{}, nil)
}

func radarLayer(rng *rand.Rand, g domain.Grid, id string, t time.Time) (scene.Layer, error) {
	r := domain.NewRaster(g, t)
	vv := domain.NewBand(g, 0)
	vh := domain.NewBand(g, 0)
	angle := domain.NewBand(g, 0)
	for row := range g.Rows {
		for col := range g.Cols {
			// Gamma-distributed speckle around a smooth backscatter field.
			base := 0.12 + 0.05*math.Sin(float64(col)/10)
			vv.Set(row, col, base*speckle(rng))
			vh.Set(row, col, 0.25*base*speckle(rng))
			angle.Set(row, col, 30+10*float64(col)/float64(g.Cols))
		}
	}
	for _, b := range []struct {
		name string
		band *mat.Dense
	}{{domain.BandVV, vv}, {domain.BandVH, vh}, {domain.BandAngle, angle}} {
		if err := r.SetBand(b.name, b.band); err != nil {
			return scene.Layer{}, err
		}
	}
	props := map[string]float64{domain.PropHeading: 193.5, domain.PropIncidence: 35}
	return scene.NewLayer(id, r, g.Footprint(), props)
}

// speckle draws a unit-mean gamma variate with shape 4, the sum of four
// exponentials.
func speckle(rng *rand.Rand) float64 {
	var s float64
	for range 4 {
		s += rng.ExpFloat64()
	}
	return s / 4
}

func opticalLayer(rng *rand.Rand, g domain.Grid, id string, t time.Time, cloudy bool) (scene.Layer, error) {
	r := domain.NewRaster(g, t)
	names := []string{
		indices.BandBlue, indices.BandGreen, indices.BandRed, indices.BandRedEdge1,
		"B6", "B7", indices.BandNIR, "B8A", indices.BandSWIR1, "B12",
		mask.DefaultQABand, mask.BandSCL,
	}
	bands := make(map[string]*mat.Dense, len(names))
	for _, name := range names {
		bands[name] = domain.NewBand(g, 0)
	}

	season := math.Sin(2 * math.Pi * float64(t.YearDay()) / 365)
	for row := range g.Rows {
		for col := range g.Cols {
			// Vegetation vigour varies across the scene and with the season.
			veg := clamp01(0.5 + 0.3*season + 0.2*math.Sin(float64(row)/12) + 0.05*rng.NormFloat64())
			red := 800 - 550*veg
			nir := 2000 + 2500*veg
			bands[indices.BandBlue].Set(row, col, 0.6*red)
			bands[indices.BandGreen].Set(row, col, 0.9*red+150)
			bands[indices.BandRed].Set(row, col, red)
			bands[indices.BandRedEdge1].Set(row, col, 0.5*(red+nir))
			bands["B6"].Set(row, col, 0.8*nir)
			bands["B7"].Set(row, col, 0.9*nir)
			bands[indices.BandNIR].Set(row, col, nir)
			bands["B8A"].Set(row, col, 0.95*nir)
			bands[indices.BandSWIR1].Set(row, col, 1800-400*veg)
			bands["B12"].Set(row, col, 1200-400*veg)

			clearProb := clamp01(0.9 + 0.05*rng.NormFloat64())
			if cloudy && rng.Float64() < 0.7 {
				clearProb = 0.2 * rng.Float64()
			}
			bands[mask.DefaultQABand].Set(row, col, clearProb)
			bands[mask.BandSCL].Set(row, col, 4)
		}
	}
	for _, name := range names {
		if err := r.SetBand(name, bands[name]); err != nil {
			return scene.Layer{}, err
		}
	}

	cloudPercent := 5 * rng.Float64()
	if cloudy {
		cloudPercent = 40 + 50*rng.Float64()
	}
	return scene.NewLayer(id, r, g.Footprint(), map[string]float64{domain.PropCloudPercent: cloudPercent})
}

// climateSample returns one hourly ERA5-Land style observation: metres of
// precipitation and kelvin.
func climateSample(rng *rand.Rand, t time.Time) scene.ClimateSample {
	hour := float64(t.Hour())
	temp := 288.15 + 6*math.Sin(2*math.Pi*(hour-9)/24) + rng.NormFloat64()
	var precip float64
	if rng.Float64() < 0.15 {
		precip = 0.002 * rng.ExpFloat64()
	}
	return scene.ClimateSample{Time: t, PrecipitationM: &precip, TemperatureK: &temp}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func printStats(m scene.Manifest) {
	var cloudy int
	for _, l := range m.Optical {
		if l.Properties[domain.PropCloudPercent] >= 30 {
			cloudy++
		}
	}
	fmt.Println("\n=== Scene summary ===")
	fmt.Printf("Terrain tiles: %d\n", len(m.Terrain))
	fmt.Printf("Radar acquisitions: %d\n", len(m.Radar))
	fmt.Printf("Optical acquisitions: %d (cloud_percent >= 30: %d)\n", len(m.Optical), cloudy)
	fmt.Printf("Climate samples: %d\n", len(m.Climate))
	if len(m.Radar) > 0 {
		fmt.Printf("First radar: %s at %s\n", m.Radar[0].ID, m.Radar[0].Time.Format(time.RFC3339))
	}
}
