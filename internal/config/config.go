package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// DateLayout is the format of START_DATE and END_DATE.
const DateLayout = "2006-01-02"

// Sink names.
const (
	SinkCSV   = "csv"
	SinkKafka = "kafka"
)

// Config holds all pipeline settings, populated from environment variables.
// It is validated once by Load and treated as read-only afterwards.
type Config struct {
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	Workers         int           `env:"WORKERS" envDefault:"4"`

	ScenePath string `env:"SCENE_PATH" envDefault:"scene.json"`

	Sink         string   `env:"SINK" envDefault:"csv"`
	CSVPath      string   `env:"CSV_PATH" envDefault:"mmts_data.csv"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"mmts-rows"`

	StartDate string `env:"START_DATE" envDefault:"2021-01-01"`
	EndDate   string `env:"END_DATE" envDefault:"2022-01-01"`

	// Sample region generation.
	GenerateRegions bool    `env:"GENERATE_REGIONS" envDefault:"true"`
	LandCoverClass  string  `env:"LANDCOVER_CLASS" envDefault:"ALL"`
	PointCount      int     `env:"POINT_COUNT" envDefault:"1000"`
	BufferRadius    float64 `env:"BUFFER_RADIUS" envDefault:"20"`
	Seed            uint64  `env:"SEED" envDefault:"1"`

	// Optical preprocessing.
	MaxCloudPercent float64  `env:"MAX_CLOUD_PERCENT" envDefault:"30"`
	QABand          string   `env:"QA_BAND" envDefault:"cs"`
	ClearThreshold  float64  `env:"CLEAR_THRESHOLD" envDefault:"0.60"`
	SnowMask        bool     `env:"SNOW_MASK" envDefault:"false"`
	OpticalIndices  []string `env:"OPTICAL_INDICES" envDefault:"NDVI,FAPAR,LAI,EVI" envSeparator:","`
	BioparModel     string   `env:"BIOPAR_MODEL" envDefault:"empirical"`

	// Radar preprocessing.
	RadarIndices  []string `env:"RADAR_INDICES" envDefault:"VV,VH,RVI,RFDI,NRPB,VH/VV,VV/VH,DPSVIm" envSeparator:","`
	SpeckleFilter bool     `env:"SPECKLE_FILTER" envDefault:"true"`
	KernelSize    int      `env:"KERNEL_SIZE" envDefault:"5"`
	ENL           float64  `env:"ENL" envDefault:"5"`

	JoinTolerance    time.Duration `env:"JOIN_TOLERANCE" envDefault:"24h"`
	TerrainTolerance float64       `env:"TERRAIN_TOLERANCE" envDefault:"300"`
	TerrainUnitScale float64       `env:"TERRAIN_UNIT_SCALE" envDefault:"1"`

	NullHandling   string `env:"NULL_HANDLING" envDefault:"ExcludeAllNulls"`
	OpticalKeyBand string `env:"OPTICAL_KEY_BAND" envDefault:"LAI"`

	// Climate archive. An empty base URL uses the series embedded in the scene.
	ClimateBaseURL   string        `env:"CLIMATE_BASE_URL"`
	ClimateTimeout   time.Duration `env:"CLIMATE_TIMEOUT" envDefault:"10s"`
	ClimateCacheSize int           `env:"CLIMATE_CACHE_SIZE" envDefault:"256"`
	ClimateRateLimit float64       `env:"CLIMATE_RATE_LIMIT" envDefault:"5"`
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", namedParseErrors(err))
	}
	clearExplicitlyEmpty(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// namedParseErrors rewrites env parse errors to name the variable instead
// of the struct field.
func namedParseErrors(err error) error {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return err
	}
	t := reflect.TypeOf(Config{})
	errs := make([]error, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if !errors.As(e, &pe) {
			errs = append(errs, e)
			continue
		}
		key := pe.Name
		if f, ok := t.FieldByName(pe.Name); ok {
			key, _, _ = strings.Cut(f.Tag.Get("env"), ",")
		}
		errs = append(errs, fmt.Errorf("%s: invalid %s: %w", key, pe.Type, pe.Err))
	}
	return errors.Join(errs...)
}

// clearExplicitlyEmpty lets a variable set to "" override envDefault for
// settings that Validate requires.
func clearExplicitlyEmpty(cfg *Config) {
	strs := map[string]*string{
		"SCENE_PATH":       &cfg.ScenePath,
		"CSV_PATH":         &cfg.CSVPath,
		"KAFKA_TOPIC":      &cfg.KafkaTopic,
		"QA_BAND":          &cfg.QABand,
		"OPTICAL_KEY_BAND": &cfg.OpticalKeyBand,
	}
	for key, field := range strs {
		if v, ok := os.LookupEnv(key); ok && v == "" {
			*field = ""
		}
	}
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok && v == "" {
		cfg.KafkaBrokers = nil
	}
}

var (
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validLogFormats   = []string{"json", "text"}
	validSinks        = []string{SinkCSV, SinkKafka}
	validNullPolicies = []string{"ExcludeAllNulls", "IncludeOpticalNulls", "IncludeAllNulls"}
	validBioparModels = []string{"empirical", "none"}
	worldCoverClasses = []string{"10", "20", "30", "40", "50", "60", "70", "80", "90", "95", "100"}
)

// Validate checks ranges and enum membership. Errors name the offending variable.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains(validLogLevels, c.LogLevel), "LOG_LEVEL must be one of %v, got %q", validLogLevels, c.LogLevel)
	check(slices.Contains(validLogFormats, c.LogFormat), "LOG_FORMAT must be one of %v, got %q", validLogFormats, c.LogFormat)
	check(c.ShutdownTimeout > 0, "SHUTDOWN_TIMEOUT must be positive, got %s", c.ShutdownTimeout)
	check(c.Workers >= 1, "WORKERS must be at least 1, got %d", c.Workers)
	check(c.ScenePath != "", "SCENE_PATH is required")

	check(slices.Contains(validSinks, c.Sink), "SINK must be one of %v, got %q", validSinks, c.Sink)
	if c.Sink == SinkCSV {
		check(c.CSVPath != "", "CSV_PATH is required when SINK=csv")
	}
	if c.Sink == SinkKafka {
		check(len(c.KafkaBrokers) > 0, "KAFKA_BROKERS is required when SINK=kafka")
		check(c.KafkaTopic != "", "KAFKA_TOPIC is required when SINK=kafka")
	}

	start, startErr := time.Parse(DateLayout, c.StartDate)
	check(startErr == nil, "START_DATE must be YYYY-MM-DD, got %q", c.StartDate)
	end, endErr := time.Parse(DateLayout, c.EndDate)
	check(endErr == nil, "END_DATE must be YYYY-MM-DD, got %q", c.EndDate)
	if startErr == nil && endErr == nil {
		check(end.After(start), "END_DATE %s must be after START_DATE %s", c.EndDate, c.StartDate)
	}

	if c.GenerateRegions {
		check(c.LandCoverClass == "ALL" || slices.Contains(worldCoverClasses, c.LandCoverClass), "LANDCOVER_CLASS must be ALL or a WorldCover class code, got %q", c.LandCoverClass)
		check(c.PointCount >= 1, "POINT_COUNT must be at least 1, got %d", c.PointCount)
		check(c.BufferRadius > 0, "BUFFER_RADIUS must be positive, got %v", c.BufferRadius)
	}

	check(c.MaxCloudPercent >= 0 && c.MaxCloudPercent <= 100, "MAX_CLOUD_PERCENT must be in [0, 100], got %v", c.MaxCloudPercent)
	check(c.QABand != "", "QA_BAND is required")
	check(c.ClearThreshold >= 0 && c.ClearThreshold <= 1, "CLEAR_THRESHOLD must be in [0, 1], got %v", c.ClearThreshold)
	check(slices.Contains(validBioparModels, c.BioparModel), "BIOPAR_MODEL must be one of %v, got %q", validBioparModels, c.BioparModel)

	if c.SpeckleFilter {
		check(c.KernelSize >= 1 && c.KernelSize%2 == 1, "KERNEL_SIZE must be a positive odd number, got %d", c.KernelSize)
		check(c.ENL > 0, "ENL must be positive, got %v", c.ENL)
	}

	check(c.JoinTolerance >= 0, "JOIN_TOLERANCE must not be negative, got %s", c.JoinTolerance)
	check(c.TerrainTolerance >= 0, "TERRAIN_TOLERANCE must not be negative, got %v", c.TerrainTolerance)
	check(c.TerrainUnitScale > 0, "TERRAIN_UNIT_SCALE must be positive, got %v", c.TerrainUnitScale)

	check(slices.Contains(validNullPolicies, c.NullHandling), "NULL_HANDLING must be one of %v, got %q", validNullPolicies, c.NullHandling)
	check(c.OpticalKeyBand != "", "OPTICAL_KEY_BAND is required")

	if c.ClimateBaseURL != "" {
		check(c.ClimateTimeout > 0, "CLIMATE_TIMEOUT must be positive, got %s", c.ClimateTimeout)
		check(c.ClimateCacheSize >= 1, "CLIMATE_CACHE_SIZE must be at least 1, got %d", c.ClimateCacheSize)
		check(c.ClimateRateLimit > 0, "CLIMATE_RATE_LIMIT must be positive, got %v", c.ClimateRateLimit)
	}

	return errors.Join(errs...)
}

// Period returns the acquisition date range [start, end).
func (c *Config) Period() (start, end time.Time) {
	start, _ = time.Parse(DateLayout, c.StartDate)
	end, _ = time.Parse(DateLayout, c.EndDate)
	return start, end
}
