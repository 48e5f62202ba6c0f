package lorekeep

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the lorekeep engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.lorekeep/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "lorekeep".
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is not
	// explicitly set. Options: "home" (default) uses ~/.lorekeep/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers. Extraction is the generative capability used for
	// knowledge extraction; Embedding produces chunk/query vectors.
	Extraction LLMConfig `json:"extraction" yaml:"extraction"`
	Embedding  LLMConfig `json:"embedding" yaml:"embedding"`

	// Chunking
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`       // target chars per chunk (default 500)
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"` // overlap chars between chunks (default 50)

	// Retrieval fusion weights.
	WeightVector  float64 `json:"weight_vector" yaml:"weight_vector"`   // default 1.0
	WeightLexical float64 `json:"weight_lexical" yaml:"weight_lexical"` // default 0.8

	// Extraction pipeline
	MaxBatchPages      int     `json:"max_batch_pages" yaml:"max_batch_pages"`           // pages per batch (default 10)
	MaxBatchesPerRun   int     `json:"max_batches_per_run" yaml:"max_batches_per_run"`   // batch cap per run (default 5)
	RunBudgetSeconds   int     `json:"run_budget_seconds" yaml:"run_budget_seconds"`     // wall-clock budget per run (default 120)
	WindowCharBudget   int     `json:"window_char_budget" yaml:"window_char_budget"`     // max chars per extraction window (default 6000)
	WindowUnitBudget   int     `json:"window_unit_budget" yaml:"window_unit_budget"`     // max text units per window (default 12)
	ExtractConcurrency int     `json:"extract_concurrency" yaml:"extract_concurrency"`   // concurrent capability calls (default from CPU count, 2-3)
	ExtractRateLimit   float64 `json:"extract_rate_limit" yaml:"extract_rate_limit"`     // capability calls per second (default 2)
	Genre              string  `json:"genre" yaml:"genre"`                               // genre hint fed to extraction prompts

	// EmbeddingDim must match the embedding model output dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, openai, proxy, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.lorekeep/lorekeep.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "lorekeep",
		StorageDir: "home",
		Extraction: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		ChunkSize:          500,
		ChunkOverlap:       50,
		WeightVector:       1.0,
		WeightLexical:      0.8,
		MaxBatchPages:      10,
		MaxBatchesPerRun:   5,
		RunBudgetSeconds:   120,
		WindowCharBudget:   6000,
		WindowUnitBudget:   12,
		ExtractRateLimit:   2,
		EmbeddingDim:       768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "lorekeep"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".lorekeep", name+".db")
	}
}
