// Package runtimeconfig loads the control plane's YAML configuration.
// Files are checked against an embedded JSON schema, then AGENT_* variables
// override individual settings.
package runtimeconfig

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/xeipuuv/gojsonschema"

	"github.com/PipeOpsHQ/agent-controlplane/internal/config"
	"github.com/PipeOpsHQ/agent-controlplane/models"
	"github.com/PipeOpsHQ/agent-controlplane/rag"
)

//go:embed schema.json
var schemaJSON string

const (
	BackendMemory      = "memory"
	BackendRedis       = "redis"
	BackendSQLiteRedis = "sqlite-redis"
	BackendBolt        = "bolt"
)

type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Log       LogConfig         `yaml:"log"`
	Trace     TraceConfig       `yaml:"trace"`
	State     StateConfig       `yaml:"state"`
	Memory    MemoryConfig      `yaml:"memory"`
	Stop      StopConfig        `yaml:"stop"`
	Run       RunConfig         `yaml:"run"`
	Agent     AgentConfig       `yaml:"agent"`
	Models    ModelsConfig      `yaml:"models"`
	Knowledge []KnowledgeConfig `yaml:"knowledge"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	File   string `yaml:"file"`
}

// TraceConfig controls span export. Spans are written to the log at debug
// level.
type TraceConfig struct {
	Enabled     bool    `yaml:"enabled"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type StateConfig struct {
	Backend    string      `yaml:"backend"`
	SQLitePath string      `yaml:"sqlitePath"`
	BoltPath   string      `yaml:"boltPath"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type MemoryConfig struct {
	ContextTTL   time.Duration `yaml:"contextTTL"`
	HistoryLimit int           `yaml:"historyLimit"`
	DefaultAgent string        `yaml:"defaultAgent"`
}

type StopConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type RunConfig struct {
	StepEventThreshold time.Duration `yaml:"stepEventThreshold"`
	StreamWaitTimeout  time.Duration `yaml:"streamWaitTimeout"`
}

// AgentConfig tunes the built-in reasoning loop.
type AgentConfig struct {
	SystemPrompt    string        `yaml:"systemPrompt"`
	MaxIterations   int           `yaml:"maxIterations"`
	MaxOutputTokens int           `yaml:"maxOutputTokens"`
	MaxInputTokens  int           `yaml:"maxInputTokens"`
	ToolTimeout     time.Duration `yaml:"toolTimeout"`
	ParallelTools   bool          `yaml:"parallelTools"`
	// ConfirmTimeout is how long a manual-mode tool call waits for approval.
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
}

type ModelsConfig struct {
	DefaultModelID string                       `yaml:"defaultModelId"`
	Timeout        time.Duration                `yaml:"timeout"`
	Candidates     []models.Candidate           `yaml:"candidates"`
	TaskModels     map[models.TaskKind][]string `yaml:"taskModels"`
}

// KnowledgeConfig declares one knowledge source with inline documents.
type KnowledgeConfig struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Documents   []DocumentConfig `yaml:"documents"`
}

type DocumentConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Addr: "127.0.0.1:8080", ShutdownTimeout: 30 * time.Second},
		Log:    LogConfig{Level: "info"},
		Trace:  TraceConfig{SampleRatio: 1},
		State: StateConfig{
			Backend:    BackendMemory,
			SQLitePath: "./.ai-agent/controlplane.db",
			BoltPath:   "./.ai-agent/controlplane.bolt",
			Redis:      RedisConfig{Addr: "127.0.0.1:6379", Prefix: "aiagent"},
		},
		Memory: MemoryConfig{ContextTTL: time.Hour, HistoryLimit: 20, DefaultAgent: "default-agent"},
		Stop:   StopConfig{TTL: 5 * time.Minute},
		Run:    RunConfig{StepEventThreshold: 300 * time.Millisecond, StreamWaitTimeout: 30 * time.Second},
		Agent:  AgentConfig{MaxIterations: 10, MaxOutputTokens: 1024, ToolTimeout: 30 * time.Second, ConfirmTimeout: time.Minute},
		Models: ModelsConfig{
			DefaultModelID: "gemini-2.5-flash",
			Timeout:        120 * time.Second,
			Candidates: []models.Candidate{
				{ID: "gemini-2.5-flash", Provider: "gemini", APIKey: "${GEMINI_API_KEY}", Streaming: true},
			},
		},
	}
}

// Load reads path on top of the defaults and applies env overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("invalid config file %q: %w", absPath, err)
		}
	}
	applyEnv(&cfg)
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %q: %w", path, err)
	}
	return nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := validateSchema(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode YAML: %w", err)
	}
	return nil
}

func validateSchema(data []byte) error {
	doc, err := yaml.YAMLToJSON(data)
	if err != nil {
		return fmt.Errorf("failed to decode YAML: %w", err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schemaJSON), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = config.StringEnv("AGENT_ADDR", cfg.Server.Addr)
	cfg.Log.Level = config.StringEnv("AGENT_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = config.ParseBoolEnv("AGENT_LOG_PRETTY", cfg.Log.Pretty)
	cfg.Trace.Enabled = config.ParseBoolEnv("AGENT_TRACE_ENABLED", cfg.Trace.Enabled)
	cfg.State.Backend = config.StringEnv("AGENT_STATE_BACKEND", cfg.State.Backend)
	cfg.State.SQLitePath = config.StringEnv("AGENT_SQLITE_PATH", cfg.State.SQLitePath)
	cfg.State.BoltPath = config.StringEnv("AGENT_BOLT_PATH", cfg.State.BoltPath)
	cfg.State.Redis.Addr = config.StringEnv("AGENT_REDIS_ADDR", cfg.State.Redis.Addr)
	cfg.State.Redis.Password = config.StringEnv("AGENT_REDIS_PASSWORD", cfg.State.Redis.Password)
	cfg.State.Redis.DB = config.ParseIntEnv("AGENT_REDIS_DB", cfg.State.Redis.DB)
	cfg.Memory.ContextTTL = config.ParseDurationEnv("AGENT_CONTEXT_TTL", cfg.Memory.ContextTTL)
	cfg.Memory.HistoryLimit = config.ParseIntEnv("AGENT_HISTORY_LIMIT", cfg.Memory.HistoryLimit)
	cfg.Stop.TTL = config.ParseDurationEnv("AGENT_STOP_TTL", cfg.Stop.TTL)
	cfg.Agent.ConfirmTimeout = config.ParseDurationEnv("AGENT_CONFIRM_TIMEOUT", cfg.Agent.ConfirmTimeout)
	cfg.Models.DefaultModelID = config.StringEnv("AGENT_DEFAULT_MODEL", cfg.Models.DefaultModelID)
}

// expand resolves ${VAR} references in candidate credentials and endpoints
// and applies the shared model timeout.
func (c *Config) expand() {
	for i := range c.Models.Candidates {
		cand := &c.Models.Candidates[i]
		cand.APIKey = strings.TrimSpace(os.ExpandEnv(cand.APIKey))
		cand.Endpoint = strings.TrimSpace(os.ExpandEnv(cand.Endpoint))
		if cand.Timeout <= 0 {
			cand.Timeout = c.Models.Timeout
		}
	}
}

func (c Config) Validate() error {
	switch c.State.Backend {
	case BackendMemory, BackendRedis, BackendSQLiteRedis, BackendBolt:
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	if c.Memory.HistoryLimit <= 0 {
		return errors.New("memory.historyLimit must be positive")
	}
	seen := map[string]struct{}{}
	for _, cand := range c.Models.Candidates {
		if strings.TrimSpace(cand.ID) == "" {
			return errors.New("model candidate id is required")
		}
		if _, dup := seen[cand.ID]; dup {
			return fmt.Errorf("duplicate model candidate %q", cand.ID)
		}
		seen[cand.ID] = struct{}{}
	}
	if id := c.Models.DefaultModelID; id != "" {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("default model %q is not a configured candidate", id)
		}
	}
	for kind, ids := range c.Models.TaskModels {
		for _, id := range ids {
			if _, ok := seen[id]; !ok {
				return fmt.Errorf("task %s references unknown model %q", kind, id)
			}
		}
	}
	return nil
}

// ModelConfig converts the models section for models.NewResolver.
func (c Config) ModelConfig() models.Config {
	task := make(map[models.TaskKind][]string, len(c.Models.TaskModels))
	for k, v := range c.Models.TaskModels {
		task[k] = append([]string(nil), v...)
	}
	return models.Config{
		DefaultModelID: c.Models.DefaultModelID,
		Candidates:     append([]models.Candidate(nil), c.Models.Candidates...),
		TaskModels:     task,
	}
}

// KnowledgeBase builds the catalog and an in-memory retriever from the
// knowledge section.
func (c Config) KnowledgeBase() (rag.StaticCatalog, *rag.KeywordRetriever) {
	catalog := rag.StaticCatalog{}
	retriever := rag.NewKeywordRetriever()
	for _, k := range c.Knowledge {
		name := k.Name
		if name == "" {
			name = k.ID
		}
		catalog[k.ID] = rag.Source{ID: k.ID, Name: name, Description: k.Description}
		for i, d := range k.Documents {
			id := d.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", k.ID, i+1)
			}
			retriever.Add(k.ID, rag.Document{ID: id, DocName: d.Name, Content: d.Content})
		}
	}
	return catalog, retriever
}
