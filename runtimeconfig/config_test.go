package runtimeconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PipeOpsHQ/agent-controlplane/models"
	"github.com/PipeOpsHQ/agent-controlplane/rag"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.State.Backend != BackendMemory {
		t.Fatalf("unexpected backend: %q", cfg.State.Backend)
	}
	if cfg.Memory.ContextTTL != time.Hour || cfg.Stop.TTL != 5*time.Minute {
		t.Fatalf("unexpected TTLs: %s %s", cfg.Memory.ContextTTL, cfg.Stop.TTL)
	}
	if cfg.Run.StepEventThreshold != 300*time.Millisecond || cfg.Run.StreamWaitTimeout != 30*time.Second {
		t.Fatalf("unexpected run timings: %+v", cfg.Run)
	}
	if cfg.Models.Candidates[0].Timeout != 120*time.Second {
		t.Fatalf("model timeout not applied: %s", cfg.Models.Candidates[0].Timeout)
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("CP_TEST_GEMINI_KEY", "secret-key")
	path := writeFile(t, "agent.yaml", `
server:
  addr: 0.0.0.0:9090
state:
  backend: sqlite-redis
  sqlitePath: /tmp/cp.db
  redis:
    addr: redis:6379
    db: 2
memory:
  contextTTL: 30m
  historyLimit: 40
run:
  streamWaitTimeout: 10s
models:
  defaultModelId: flash
  timeout: 45s
  candidates:
    - id: flash
      name: gemini-2.5-flash
      provider: gemini
      apiKey: "${CP_TEST_GEMINI_KEY}"
      streaming: true
    - id: pro
      name: gemini-2.5-pro
      provider: gemini
      apiKey: "${CP_TEST_GEMINI_KEY}"
      timeout: 5m
  taskModels:
    RAG_QUERY: [pro, flash]
knowledge:
  - id: kb-1
    name: Handbook
    documents:
      - content: refunds take five days
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9090" {
		t.Fatalf("unexpected addr: %q", cfg.Server.Addr)
	}
	if cfg.State.Backend != BackendSQLiteRedis || cfg.State.Redis.DB != 2 || cfg.State.Redis.Prefix != "aiagent" {
		t.Fatalf("unexpected state config: %+v", cfg.State)
	}
	if cfg.Memory.ContextTTL != 30*time.Minute || cfg.Memory.HistoryLimit != 40 {
		t.Fatalf("unexpected memory config: %+v", cfg.Memory)
	}
	if cfg.Run.StreamWaitTimeout != 10*time.Second || cfg.Run.StepEventThreshold != 300*time.Millisecond {
		t.Fatalf("unexpected run config: %+v", cfg.Run)
	}

	mc := cfg.ModelConfig()
	if mc.DefaultModelID != "flash" || len(mc.Candidates) != 2 {
		t.Fatalf("unexpected model config: %+v", mc)
	}
	if mc.Candidates[0].APIKey != "secret-key" {
		t.Fatalf("apiKey not expanded: %q", mc.Candidates[0].APIKey)
	}
	if mc.Candidates[0].Timeout != 45*time.Second || mc.Candidates[1].Timeout != 5*time.Minute {
		t.Fatalf("unexpected candidate timeouts: %s %s", mc.Candidates[0].Timeout, mc.Candidates[1].Timeout)
	}
	if got := mc.TaskModels[models.TaskRAGQuery]; len(got) != 2 || got[0] != "pro" {
		t.Fatalf("unexpected task models: %v", got)
	}

	catalog, retriever := cfg.KnowledgeBase()
	if catalog["kb-1"].Name != "Handbook" {
		t.Fatalf("unexpected catalog: %+v", catalog)
	}
	res, err := retriever.Retrieve(t.Context(), "refunds", []string{"kb-1"}, rag.Config{})
	if err != nil || res.Count() != 1 {
		t.Fatalf("unexpected retrieval: %+v %v", res, err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENT_STATE_BACKEND", "redis")
	t.Setenv("AGENT_REDIS_ADDR", "cache:6380")
	t.Setenv("AGENT_CONTEXT_TTL", "2h")
	t.Setenv("AGENT_STOP_TTL", "1m")
	t.Setenv("AGENT_HISTORY_LIMIT", "7")
	t.Setenv("AGENT_LOG_LEVEL", "debug")
	t.Setenv("AGENT_CONFIRM_TIMEOUT", "15s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.State.Backend != BackendRedis || cfg.State.Redis.Addr != "cache:6380" {
		t.Fatalf("unexpected state config: %+v", cfg.State)
	}
	if cfg.Memory.ContextTTL != 2*time.Hour || cfg.Stop.TTL != time.Minute || cfg.Memory.HistoryLimit != 7 {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Memory, cfg.Stop)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level: %q", cfg.Log.Level)
	}
	if cfg.Agent.ConfirmTimeout != 15*time.Second {
		t.Fatalf("unexpected confirm timeout: %v", cfg.Agent.ConfirmTimeout)
	}
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := map[string]string{
		"unknown key":     "bogus: true\n",
		"bad backend":     "state:\n  backend: etcd\n",
		"bad duration":    "memory:\n  contextTTL: soon\n",
		"missing id":      "models:\n  candidates:\n    - provider: gemini\n",
		"negative limit":  "memory:\n  historyLimit: 0\n",
		"bad task model":  "models:\n  taskModels:\n    SIMPLE_CHAT: [\"\"]\n",
		"unknown section": "workflow: basic\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "agent.yaml", content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), "schema validation") {
				t.Fatalf("expected schema error, got %v", err)
			}
		})
	}
}

func TestLoad_SemanticErrors(t *testing.T) {
	tests := map[string]string{
		"unknown default": "models:\n  defaultModelId: missing\n",
		"duplicate ids":   "models:\n  defaultModelId: a\n  candidates:\n    - {id: a, provider: gemini}\n    - {id: a, provider: gemini}\n",
		"task references": "models:\n  taskModels:\n    TOOL_CALL: [ghost]\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "agent.yaml", content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeFile(t, "bad.yaml", "server: [unclosed\n")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "CP_TEST_FROM_DOTENV=loaded\n")
	t.Setenv("CP_TEST_FROM_DOTENV", "")
	os.Unsetenv("CP_TEST_FROM_DOTENV")

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if got := os.Getenv("CP_TEST_FROM_DOTENV"); got != "loaded" {
		t.Fatalf("unexpected value: %q", got)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
