package tribalmemory

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/abbudjoe/tribalmemory/internal/embeddings"
)

// SearchConfig tunes the hybrid recall merge.
type SearchConfig struct {
	VectorWeight         float64 `mapstructure:"vector_weight"`
	TextWeight           float64 `mapstructure:"text_weight"`
	CandidateMultiplier  int     `mapstructure:"candidate_multiplier"`
	RerankPoolMultiplier int     `mapstructure:"rerank_pool_multiplier"`
	LazyEntityExtraction bool    `mapstructure:"lazy_entity_extraction"`
	// MMRLambda enables maximal-marginal-relevance diversity reranking
	// when > 0 (relevance weight in [0, 1]; 0 disables).
	MMRLambda float64 `mapstructure:"mmr_lambda"`
}

// GraphConfig tunes entity-graph expansion.
type GraphConfig struct {
	// DisableExpansion turns graph expansion off globally, overriding
	// per-call options.
	DisableExpansion bool    `mapstructure:"disable_expansion"`
	OneHopScore      float64 `mapstructure:"one_hop_score"`
	TwoHopScore      float64 `mapstructure:"two_hop_score"`
	Buffer           int     `mapstructure:"buffer"`
	MaxHops          int     `mapstructure:"max_hops"`
}

// DedupConfig tunes duplicate capture detection.
type DedupConfig struct {
	Threshold    float64 `mapstructure:"threshold"`
	RecentWindow int     `mapstructure:"recent_window"`
}

// SafeguardConfig holds the recall protection knobs.
type SafeguardConfig struct {
	PerRecallCap        int     `mapstructure:"per_recall_cap"`
	PerTurnCap          int     `mapstructure:"per_turn_cap"`
	PerSessionCap       int     `mapstructure:"per_session_cap"`
	MaxTokensPerSnippet int     `mapstructure:"max_tokens_per_snippet"`
	BreakerMaxEmpty     int     `mapstructure:"circuit_breaker_max_empty"`
	BreakerCooldownMS   int     `mapstructure:"circuit_breaker_cooldown_ms"`
	MinQueryLength      int     `mapstructure:"smart_trigger_min_query_length"`
	DedupCooldownMS     int     `mapstructure:"session_dedup_cooldown_ms"`
	DedupMaxSessions    int     `mapstructure:"session_dedup_max_sessions"`
	AlertThreshold      float64 `mapstructure:"alert_threshold"`
}

// LearnedConfig holds the learned-retrieval knobs.
type LearnedConfig struct {
	QueryCacheMinSuccesses int     `mapstructure:"query_cache_min_successes"`
	QueryCacheRedisAddr    string  `mapstructure:"query_cache_redis_addr"`
	FeedbackReinforce      float64 `mapstructure:"feedback_reinforce"`
	FeedbackPenalize       float64 `mapstructure:"feedback_penalize"`
}

// SessionConfig tunes the transcript index.
type SessionConfig struct {
	RetentionDays  int `mapstructure:"retention_days"`
	ChunkMaxTokens int `mapstructure:"chunk_max_tokens"`
	ChunkOverlap   int `mapstructure:"chunk_overlap"`
}

// StorageConfig selects the learned-state/audit persistence backend.
type StorageConfig struct {
	// AuditDriver is "sqlite3" (default, stored in DataDir) or "postgres".
	AuditDriver string `mapstructure:"audit_driver"`
	// AuditDSN overrides the connection string; empty means a file in
	// DataDir for sqlite3.
	AuditDSN string `mapstructure:"audit_dsn"`
}

// Config is the complete service configuration.
type Config struct {
	InstanceID   string `mapstructure:"instance_id"`
	DataDir      string `mapstructure:"data_dir"`
	KnowledgeDir string `mapstructure:"knowledge_dir"`

	Embedding  embeddings.Config `mapstructure:"embedding"`
	Search     SearchConfig      `mapstructure:"search"`
	Graph      GraphConfig       `mapstructure:"graph"`
	Dedup      DedupConfig       `mapstructure:"dedup"`
	Safeguards SafeguardConfig   `mapstructure:"safeguards"`
	Learned    LearnedConfig     `mapstructure:"learned"`
	Sessions   SessionConfig     `mapstructure:"sessions"`
	Storage    StorageConfig     `mapstructure:"storage"`
}

// LoadConfig reads configuration from an optional YAML file and the
// environment (TRIBALMEMORY_ prefix, dots as underscores), then fills
// defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRIBALMEMORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.withDefaults(), nil
}

// withDefaults fills every zero-valued knob with its documented default.
func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1536
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Timeout <= 0 {
		c.Embedding.Timeout = 30 * time.Second
	}
	if c.Embedding.MaxBatch <= 0 {
		c.Embedding.MaxBatch = 64
	}

	if c.Search.VectorWeight <= 0 {
		c.Search.VectorWeight = 0.6
	}
	if c.Search.TextWeight <= 0 {
		c.Search.TextWeight = 0.4
	}
	if c.Search.CandidateMultiplier <= 0 {
		c.Search.CandidateMultiplier = 4
	}
	if c.Search.RerankPoolMultiplier <= 0 {
		c.Search.RerankPoolMultiplier = 3
	}

	if c.Graph.OneHopScore <= 0 {
		c.Graph.OneHopScore = 0.85
	}
	if c.Graph.TwoHopScore <= 0 {
		c.Graph.TwoHopScore = 0.70
	}
	if c.Graph.Buffer <= 0 {
		c.Graph.Buffer = 6
	}
	if c.Graph.MaxHops <= 0 {
		c.Graph.MaxHops = 2
	}

	if c.Dedup.Threshold <= 0 {
		c.Dedup.Threshold = 0.92
	}
	if c.Dedup.RecentWindow <= 0 {
		c.Dedup.RecentWindow = 10000
	}

	if c.Safeguards.PerRecallCap <= 0 {
		c.Safeguards.PerRecallCap = 500
	}
	if c.Safeguards.PerTurnCap <= 0 {
		c.Safeguards.PerTurnCap = 750
	}
	if c.Safeguards.PerSessionCap <= 0 {
		c.Safeguards.PerSessionCap = 5000
	}
	if c.Safeguards.MaxTokensPerSnippet <= 0 {
		c.Safeguards.MaxTokensPerSnippet = 100
	}
	if c.Safeguards.BreakerMaxEmpty <= 0 {
		c.Safeguards.BreakerMaxEmpty = 5
	}
	if c.Safeguards.BreakerCooldownMS <= 0 {
		c.Safeguards.BreakerCooldownMS = int(5 * time.Minute / time.Millisecond)
	}
	if c.Safeguards.MinQueryLength <= 0 {
		c.Safeguards.MinQueryLength = 2
	}
	if c.Safeguards.DedupCooldownMS <= 0 {
		c.Safeguards.DedupCooldownMS = int(5 * time.Minute / time.Millisecond)
	}
	if c.Safeguards.DedupMaxSessions <= 0 {
		c.Safeguards.DedupMaxSessions = 1000
	}
	if c.Safeguards.AlertThreshold <= 0 {
		c.Safeguards.AlertThreshold = 0.8
	}

	if c.Learned.QueryCacheMinSuccesses <= 0 {
		c.Learned.QueryCacheMinSuccesses = 3
	}
	if c.Learned.FeedbackReinforce <= 0 {
		c.Learned.FeedbackReinforce = 1.0
	}
	if c.Learned.FeedbackPenalize <= 0 {
		c.Learned.FeedbackPenalize = 0.25
	}

	if c.Sessions.RetentionDays <= 0 {
		c.Sessions.RetentionDays = 30
	}
	if c.Sessions.ChunkMaxTokens <= 0 {
		c.Sessions.ChunkMaxTokens = 400
	}
	if c.Sessions.ChunkOverlap <= 0 {
		c.Sessions.ChunkOverlap = 80
	}

	if c.Storage.AuditDriver == "" {
		c.Storage.AuditDriver = "sqlite3"
	}
	return c
}
