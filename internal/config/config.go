// Package config provides configuration loading and structs for the tansaku engine and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/tansaku/internal/ranking"
	"github.com/hyperjump/tansaku/internal/similarity"
	"github.com/hyperjump/tansaku/internal/threshold"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool                  `yaml:"debug"`
	Storage    StorageConfig         `yaml:"storage"`
	Codec      CodecConfig           `yaml:"codec"`
	Similarity SimilarityConfig      `yaml:"similarity"`
	Index      IndexConfig           `yaml:"index"`
	Ranking    ranking.RankingConfig `yaml:"ranking"`
	Threshold  ThresholdConfig       `yaml:"threshold"`
	Embedding  EmbeddingConfig       `yaml:"embedding"`
	Search     SearchConfig          `yaml:"search"`
}

// StorageConfig selects the document store and its limits.
type StorageConfig struct {
	// Backend is one of memory, file, sqlite, bolt.
	Backend string `yaml:"backend"`
	// Path is the storage root directory.
	Path string `yaml:"path"`
	// Indexed keeps an in-memory key set in front of the backend.
	Indexed *bool `yaml:"indexed"`
	// MaxBytes caps the total stored record size. Zero disables the quota.
	MaxBytes       int64 `yaml:"max_bytes"`
	BatchChunkSize int   `yaml:"batch_chunk_size"`
	Workers        int   `yaml:"workers"`
}

// IndexedOrDefault returns whether to wrap the store in an IndexedStore; defaults to true when unset.
func (s *StorageConfig) IndexedOrDefault() bool {
	if s.Indexed != nil {
		return *s.Indexed
	}
	return true
}

// CodecConfig holds embedding compression settings.
type CodecConfig struct {
	// QuantizationBits per component; 0 stores raw float32. Unset means 8.
	QuantizationBits *int `yaml:"quantization_bits"`
	// Level is a zstd level name: fastest, default, better, best.
	Level string `yaml:"level"`
}

// BitsOrDefault returns the configured quantization bits, 8 when unset.
func (c *CodecConfig) BitsOrDefault() int {
	if c.QuantizationBits != nil {
		return *c.QuantizationBits
	}
	return 8
}

// SimilarityConfig holds scoring settings.
type SimilarityConfig struct {
	Metric          string                         `yaml:"metric"`
	DimensionPolicy string                         `yaml:"dimension_policy"`
	Normalization   similarity.NormalizationParams `yaml:"normalization"`
	Workers         int                            `yaml:"workers"`
}

// IndexConfig holds vector index settings.
type IndexConfig struct {
	// Type is hierarchical or memory.
	Type string `yaml:"type"`
	// Dimensions, when positive, is enforced on every stored embedding.
	Dimensions       int    `yaml:"dimensions"`
	MaxPointsPerNode int    `yaml:"max_points_per_node"`
	Scoring          string `yaml:"scoring"`
	Seed             int64  `yaml:"seed"`
	// SnapshotPath, when set, is where the built index is saved after every rebuild.
	SnapshotPath string `yaml:"snapshot_path"`
}

// ThresholdConfig holds calibration settings.
type ThresholdConfig struct {
	Method         string           `yaml:"method"`
	Params         threshold.Params `yaml:"params"`
	OptimizeMetric string           `yaml:"optimize_metric"`
	OptimizeSteps  int              `yaml:"optimize_steps"`
}

// EmbeddingConfig holds text embedder settings.
type EmbeddingConfig struct {
	// Provider is "mock" for the built-in hashing embedder or "none" to accept vectors only.
	Provider   string `yaml:"provider"`
	Dimensions int    `yaml:"dimensions"`
	CacheSize  int    `yaml:"cache_size"`
}

// SearchConfig holds query defaults.
type SearchConfig struct {
	DefaultK             int `yaml:"default_k"`
	MaxK                 int `yaml:"max_k"`
	DefaultPruningFactor int `yaml:"default_pruning_factor"`
	// CandidateMultiplier widens the index query to k × multiplier before exact re-ranking.
	CandidateMultiplier int     `yaml:"candidate_multiplier"`
	KeywordEnabled      *bool   `yaml:"keyword_enabled"`
	KeywordIndexPath    string  `yaml:"keyword_index_path"`
	KeywordPhraseBoost  float64 `yaml:"keyword_phrase_boost"`
}

// KeywordEnabledOrDefault returns whether the keyword index is used; defaults to true when unset.
func (s *SearchConfig) KeywordEnabledOrDefault() bool {
	if s.KeywordEnabled != nil {
		return *s.KeywordEnabled
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Ranking booleans default to on, so they are seeded before parsing.
	cfg := Config{Ranking: *ranking.DefaultRankingConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.Path = expandPath(cfg.Storage.Path, configDir)
	if cfg.Index.SnapshotPath != "" {
		cfg.Index.SnapshotPath = expandPath(cfg.Index.SnapshotPath, configDir)
	}
	if cfg.Search.KeywordIndexPath != "" {
		cfg.Search.KeywordIndexPath = expandPath(cfg.Search.KeywordIndexPath, configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings no component could run with.
func Validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "memory", "file", "sqlite", "bolt":
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if bits := cfg.Codec.BitsOrDefault(); bits < 0 || bits > 16 {
		return fmt.Errorf("codec quantization_bits must be in [0,16], got %d", bits)
	}
	if _, err := similarity.ParseMetric(cfg.Similarity.Metric); err != nil {
		return fmt.Errorf("similarity: %w", err)
	}
	switch similarity.DimensionPolicy(cfg.Similarity.DimensionPolicy) {
	case similarity.PolicyStrict, similarity.PolicyZero:
	default:
		return fmt.Errorf("unknown dimension policy %q", cfg.Similarity.DimensionPolicy)
	}
	if _, err := threshold.ParseMethod(cfg.Threshold.Method); err != nil {
		return fmt.Errorf("threshold: %w", err)
	}
	if _, err := threshold.ParseOptimizeMetric(cfg.Threshold.OptimizeMetric); err != nil {
		return fmt.Errorf("threshold: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
