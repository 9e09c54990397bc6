// Package config collects the authoritative constants and service
// configuration for AOS. Everything here is read once at startup; there are
// no process-wide mutable singletons.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Size limits.
const (
	// MaxWriteBytes bounds a single proposed file write.
	MaxWriteBytes = 200 * 1024
	// MaxProposalBytes bounds the sum of all writes in one proposal.
	MaxProposalBytes = 500 * 1024
	// MaxJSONPayloadBytes bounds any input handed to the JSON parser.
	MaxJSONPayloadBytes = 10 * 1024 * 1024
	// MaxExcerptChars bounds stdout/stderr excerpts embedded in records.
	MaxExcerptChars = 2000
	// MaxContextFiles bounds context_files per work order.
	MaxContextFiles = 10
)

// Timeouts and budgets.
const (
	GitCommandTimeout   = 30 * time.Second
	EnvBuildStepTimeout = 120 * time.Second
	LLMPollInterval     = 5 * time.Second
	LLMPollDeadline     = 40 * time.Minute
	LLMMaxRetries       = 3
	LLMRetryBackoffBase = 3 * time.Second
	LLMMaxOutputTokens  = 65000
	SubprocTimeout      = 10 * time.Minute
	MaxCompileAttempts  = 3
	DefaultMaxAttempts  = 2
	QueueJobTimeout     = time.Hour
)

// HarnessEnvDir is the per-repo interpreter environment directory. It is the
// only path inside a target repo the harness may write outside allowed_files,
// and is excluded from cleanliness, drift, and rollback-wipe.
const HarnessEnvDir = ".aos_env"

// Artifact filenames.
const (
	ManifestFile       = "WORK_ORDERS_MANIFEST.json"
	CompileSummaryFile = "compile_summary.json"
	RunSummaryFile     = "run_summary.json"
	WorkOrderFile      = "work_order.json"
	WriteResultFile    = "write_result.json"
	VerifyResultFile   = "verify_result.json"
	AcceptResultFile   = "acceptance_result.json"
	FailureBriefFile   = "failure_brief.json"
	ProposalFile       = "proposed_writes.json"
	RawResponseFile    = "raw_llm_response.json"
	SEPromptFile       = "se_prompt.txt"
)

// Environment variable names read by the core.
const (
	EnvAPIKey        = "AOS_API_KEY"
	EnvGitToken      = "AOS_GIT_TOKEN"
	EnvArtifactsRoot = "AOS_ARTIFACTS_ROOT"
	EnvWorkspaceRoot = "AOS_WORKSPACE_ROOT"
)

// ConstraintsReminder is the fixed reminder string embedded in every failure
// brief handed back to the LLM on retry.
const ConstraintsReminder = "Reminder: write only files listed in allowed_files, " +
	"include the exact base_sha256 of each file's current content, " +
	"keep each write under 200KiB and the proposal under 500KiB, " +
	"and return a single JSON object with summary and writes."

// Config holds service configuration for the server and worker processes.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LLMConfig struct {
	BaseURL         string  `mapstructure:"base_url"`
	Model           string  `mapstructure:"model"`
	ReasoningEffort string  `mapstructure:"reasoning_effort"`
	Temperature     float64 `mapstructure:"temperature"`
}

type ArtifactsConfig struct {
	Root          string `mapstructure:"root"`
	WorkspaceRoot string `mapstructure:"workspace_root"`
}

// Load reads aos.yaml (if present) and AOS_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("aos")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/aos")
	}
	v.SetEnvPrefix("AOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("llm.base_url", "https://api.openai.com")
	v.SetDefault("llm.model", "gpt-5")
	v.SetDefault("llm.reasoning_effort", "medium")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("artifacts.root", defaultArtifactsRoot())
	v.SetDefault("artifacts.workspace_root", "/tmp/aos")

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env and defaults are enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
