package telos

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of a MemoryStore and the search and pipeline
// layers built on it.
type Config struct {
	// Dimensions overrides DefaultLayout per embedder name, e.g.
	// "E1_Semantic: 384".
	Dimensions      map[string]int        `yaml:"dimensions,omitempty"`
	HNSW            HNSWConfig            `yaml:"hnsw"`
	Sparse          SparseConfig          `yaml:"sparse"`
	LateInteraction LateInteractionConfig `yaml:"late_interaction"`
	Keyword         BM25Params            `yaml:"keyword"`
	Search          SearchConfig          `yaml:"search"`
	Pipeline        PipelineConfig        `yaml:"pipeline"`
	Rebuild         RebuildConfig         `yaml:"rebuild"`
}

// RebuildConfig throttles RebuildIndexes.
type RebuildConfig struct {
	// RecordsPerSecond caps how fast records are re-inserted during a
	// rebuild. 0 means unthrottled.
	RecordsPerSecond float64 `yaml:"records_per_second"`
	// Burst is the limiter bucket size.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		HNSW:            DefaultHNSWConfig(),
		Sparse:          DefaultSparseConfig(),
		LateInteraction: DefaultLateInteractionConfig(),
		Keyword:         DefaultBM25Params(),
		Search:          DefaultSearchConfig(),
		Pipeline:        DefaultPipelineConfig(),
		Rebuild:         RebuildConfig{Burst: 64},
	}
}

// LoadConfig overlays the YAML file at path on DefaultConfig. A missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Layout resolves Dimensions against DefaultLayout.
func (c *Config) Layout() (Layout, error) {
	l := DefaultLayout
	for name, dim := range c.Dimensions {
		e, err := ParseEmbedder(name)
		if err != nil {
			return Layout{}, err
		}
		l[e] = dim
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := c.Layout(); err != nil {
		return err
	}
	if c.Sparse.Scoring != "" {
		if err := c.Sparse.Scoring.Validate(); err != nil {
			return err
		}
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if c.Rebuild.RecordsPerSecond < 0 {
		return fmt.Errorf("rebuild.records_per_second must be >= 0, got %g", c.Rebuild.RecordsPerSecond)
	}
	return nil
}

// ApplyEnvFile reads TELOS_* overrides from a dotenv file. A missing file
// is not an error.
func (c *Config) ApplyEnvFile(path string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return c.ApplyEnv(env)
}

// ApplyEnv applies TELOS_* overrides from env. Unknown keys are ignored.
func (c *Config) ApplyEnv(env map[string]string) error {
	for key, raw := range env {
		if !strings.HasPrefix(key, "TELOS_") {
			continue
		}
		v := strings.TrimSpace(raw)
		var err error
		switch key {
		case "TELOS_HNSW_M":
			c.HNSW.M, err = strconv.Atoi(v)
		case "TELOS_HNSW_EF_CONSTRUCTION":
			c.HNSW.EfConstruction, err = strconv.Atoi(v)
		case "TELOS_HNSW_EF_SEARCH":
			c.HNSW.EfSearch, err = strconv.Atoi(v)
		case "TELOS_SPARSE_SCORING":
			c.Sparse.Scoring = SparseScoring(v)
		case "TELOS_SEARCH_MODE":
			c.Search.Mode = SearchMode(v)
		case "TELOS_SEARCH_FUSION":
			c.Search.Fusion = FusionKind(v)
		case "TELOS_SEARCH_WORKERS":
			c.Search.Workers, err = strconv.Atoi(v)
		case "TELOS_SEARCH_OVER_FETCH":
			c.Search.OverFetch, err = strconv.Atoi(v)
		case "TELOS_PIPELINE_FAULT_TOLERANT":
			c.Pipeline.FaultTolerant, err = strconv.ParseBool(v)
		case "TELOS_PIPELINE_PROJECTION_DIM":
			c.Pipeline.ProjectionDim, err = strconv.Atoi(v)
		case "TELOS_REBUILD_RECORDS_PER_SECOND":
			c.Rebuild.RecordsPerSecond, err = strconv.ParseFloat(v, 64)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return c.Validate()
}
