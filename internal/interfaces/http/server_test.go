package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/agent"
	"github.com/miosa-osa/osa/internal/domain/entity"
	"github.com/miosa-osa/osa/internal/domain/memory"
	"github.com/miosa-osa/osa/internal/domain/service"
	"github.com/miosa-osa/osa/internal/domain/signal"
	domaintool "github.com/miosa-osa/osa/internal/domain/tool"
	"github.com/miosa-osa/osa/internal/infrastructure/config"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
	"github.com/miosa-osa/osa/internal/infrastructure/persistence"
	apperrors "github.com/miosa-osa/osa/pkg/errors"
)

type stubAgent struct {
	result *service.TurnResult
	err    error
}

func (a *stubAgent) HandleMessage(ctx context.Context, sessionID, channel, input string) (*service.TurnResult, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func (a *stubAgent) Cancel(sessionID string) bool { return sessionID == "known" }

func (a *stubAgent) Snapshot(ctx context.Context, sessionID string) (*entity.Session, error) {
	return nil, apperrors.New(apperrors.KindNotFound, "no session")
}

func (a *stubAgent) Active() []string { return []string{"known"} }

type runnerFunc func(ctx context.Context, role entity.AgentRole, systemPrompt, input string) (*agent.WorkerResult, error)

func (f runnerFunc) RunAgent(ctx context.Context, role entity.AgentRole, systemPrompt, input string) (*agent.WorkerResult, error) {
	return f(ctx, role, systemPrompt, input)
}

type echoTool struct{}

func (echoTool) Name() string           { return "echo" }
func (echoTool) Description() string    { return "Echo the text argument back" }
func (echoTool) Capabilities() []string { return nil }

func (echoTool) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []any{"text"},
	}
}

func (echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	text, _ := args["text"].(string)
	return "echo: " + text, nil
}

type testEnv struct {
	router *gin.Engine
	deps   Deps
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := persistence.NewDBConnection(&config.DatabaseConfig{
		Type: "sqlite",
		DSN:  "file:" + t.Name() + "?mode=memory&cache=shared",
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := persistence.NewSessionStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}

	mgr := memory.NewManager(memory.NewDocumentStore(filepath.Join(t.TempDir(), "MEMORY.md")), nil, nil, logger)
	if err := mgr.Boot(context.Background()); err != nil {
		t.Fatalf("memory boot: %v", err)
	}

	registry := domaintool.NewRegistry(0, logger)
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	runner := runnerFunc(func(ctx context.Context, role entity.AgentRole, systemPrompt, input string) (*agent.WorkerResult, error) {
		return &agent.WorkerResult{Output: "done: " + string(role), TokensUsed: 10}, nil
	})
	bus := eventbus.New(64, logger)
	t.Cleanup(bus.Close)

	deps := Deps{
		Agent: &stubAgent{result: &service.TurnResult{
			Content:    "deployed",
			Iterations: 2,
			ToolsUsed:  []string{"shell_execute"},
			Signal:     entity.Signal{Mode: entity.ModeExecute, Genre: entity.GenreDirect, Weight: 0.8},
		}},
		Classifier:   signal.New(signal.DefaultConfig(), nil, logger),
		Orchestrator: agent.NewOrchestrator(runner, agent.NewSpawner(3, logger), bus, agent.OrchestratorConfig{}, logger),
		Swarms:       agent.NewSwarmManager(runner, agent.NewMailbox(), bus, logger),
		Dispatcher:   domaintool.NewDispatcher(registry, 5*time.Second, logger),
		Tools:        registry,
		Sessions:     persistence.NewGormSessionRepository(db),
		Log:          store,
		Memory:       mgr,
		Bus:          bus,
		Version:      "test",
		Provider:     "openai",
		Model:        "openai/gpt-4o",
	}
	return &testEnv{router: NewRouter(cfg, deps, logger), deps: deps}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec, body := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" || body["version"] != "test" || body["model"] != "openai/gpt-4o" {
		t.Errorf("body = %v", body)
	}
}

func TestOrchestrateEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec, body := env.do(t, http.MethodPost, "/api/v1/orchestrate", map[string]any{
		"input": "deploy the staging environment",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	if body["output"] != "deployed" {
		t.Errorf("output = %v", body["output"])
	}
	if body["session_id"] == "" {
		t.Error("session_id must be generated when absent")
	}
	if body["iteration_count"] != float64(2) {
		t.Errorf("iteration_count = %v", body["iteration_count"])
	}
	if _, ok := body["execution_ms"]; !ok {
		t.Error("execution_ms missing")
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/orchestrate", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing input status = %d", rec.Code)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec, body := env.do(t, http.MethodPost, "/api/v1/classify", map[string]any{
		"message": "deploy the staging environment now please",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	sig, ok := body["signal"].(map[string]any)
	if !ok {
		t.Fatalf("signal = %v", body["signal"])
	}
	if sig["genre"] != string(entity.GenreDirect) {
		t.Errorf("genre = %v", sig["genre"])
	}
	if w, _ := sig["weight"].(float64); w < 0.6 {
		t.Errorf("weight = %v", w)
	}
}

func TestToolExecuteEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec, body := env.do(t, http.MethodPost, "/api/v1/tools/echo/execute", map[string]any{"text": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	if body["output"] != "echo: hi" || body["success"] != true {
		t.Errorf("body = %v", body)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/tools/echo/execute", map[string]any{"text": 42})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("schema violation status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/tools/ghost/execute", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown tool status = %d", rec.Code)
	}
}

func TestOrchestrateComplexBlocking(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec, body := env.do(t, http.MethodPost, "/api/v1/orchestrate/complex", map[string]any{
		"task":     "add a retry to the uploader",
		"strategy": "fast",
		"blocking": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	if body["status"] != string(entity.TaskCompleted) {
		t.Errorf("status = %v", body["status"])
	}
	results, _ := body["results"].(map[string]any)
	if results["implement"] != "done: implementer" || results["review"] != "done: reviewer" {
		t.Errorf("results = %v", results)
	}
}

func TestOrchestrateComplexBackground(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec, body := env.do(t, http.MethodPost, "/api/v1/orchestrate/complex", map[string]any{
		"task": "index the docs",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	runID, _ := body["task_id"].(string)
	if runID == "" {
		t.Fatal("task_id missing")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, body = env.do(t, http.MethodGet, "/api/v1/orchestrate/"+runID+"/progress", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("progress status = %d", rec.Code)
		}
		if body["status"] == string(entity.TaskCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed: %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if body["waves"] != float64(3) {
		t.Errorf("waves = %v", body["waves"])
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/orchestrate/ghost/progress", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d", rec.Code)
	}
}

func TestSwarmEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec, body := env.do(t, http.MethodPost, "/api/v1/swarm/launch", map[string]any{
		"task":       "summarize the release notes",
		"pattern":    "parallel",
		"max_agents": 2,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("launch status = %d body = %v", rec.Code, body)
	}
	swarmID, _ := body["swarm_id"].(string)
	if swarmID == "" {
		t.Fatal("swarm_id missing")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, body = env.do(t, http.MethodGet, "/api/v1/swarm/"+swarmID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get status = %d", rec.Code)
		}
		if body["status"] == string(agent.SwarmCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("swarm never completed: %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/swarm", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if swarms, _ := body["swarms"].([]any); len(swarms) != 1 {
		t.Errorf("swarms = %v", body["swarms"])
	}

	// Cancelling a terminal swarm conflicts.
	rec, _ = env.do(t, http.MethodDelete, "/api/v1/swarm/"+swarmID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel terminal status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/swarm/launch", map[string]any{
		"task": "x", "pattern": "triangle",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad pattern status = %d", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	session := &entity.Session{ID: "sess-http", Provider: "openai", Model: "openai/gpt-4o"}
	user := entity.NewMessage(entity.RoleUser, "hello")
	reply := entity.NewMessage(entity.RoleAssistant, "hi there")
	session.Append(user)
	session.Append(reply)
	if err := env.deps.Sessions.Touch(ctx, session, "http"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := env.deps.Log.Append("sess-http", user); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := env.deps.Log.Append("sess-http", reply); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec, body := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if sessions, _ := body["sessions"].([]any); len(sessions) != 1 {
		t.Errorf("sessions = %v", body["sessions"])
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/sessions/sess-http", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if body["message_count"] != float64(2) {
		t.Errorf("message_count = %v", body["message_count"])
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/sessions/sess-http/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("messages status = %d", rec.Code)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages = %v", body["messages"])
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/sessions/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d", rec.Code)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec, body := env.do(t, http.MethodPost, "/api/v1/memory", map[string]any{
		"category": "decision",
		"content":  "staging runs postgres fifteen",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("save status = %d body = %v", rec.Code, body)
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/memory/recall?query=which+postgres+does+staging+run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recall status = %d", rec.Code)
	}
	if body["count"] != float64(1) {
		t.Errorf("count = %v entries = %v", body["count"], body["entries"])
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/memory", map[string]any{
		"category": "gossip", "content": "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad category status = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/memory/recall", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing query status = %d", rec.Code)
	}
}

func TestCommandEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec, body := env.do(t, http.MethodGet, "/api/v1/commands", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	commands, _ := body["commands"].([]any)
	names := make(map[string]bool, len(commands))
	for _, raw := range commands {
		cmd, _ := raw.(map[string]any)
		name, _ := cmd["name"].(string)
		names[name] = true
	}
	for _, want := range []string{"status", "tools.list", "session.cancel", "memory.compact", "bus.drops"} {
		if !names[want] {
			t.Errorf("command %s missing from %v", want, names)
		}
	}

	rec, body = env.do(t, http.MethodPost, "/api/v1/commands/execute", map[string]any{
		"command": "status",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute status = %d", rec.Code)
	}
	result, _ := body["result"].(map[string]any)
	if result["version"] != "test" {
		t.Errorf("result = %v", result)
	}

	rec, body = env.do(t, http.MethodPost, "/api/v1/commands/execute", map[string]any{
		"command": "session.cancel",
		"args":    map[string]any{"session_id": "known"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	if result, _ := body["result"].(map[string]any); result["cancelled"] != true {
		t.Errorf("result = %v", body["result"])
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/commands/execute", map[string]any{
		"command": "self.destruct",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown command status = %d", rec.Code)
	}
}

func TestSSEStream(t *testing.T) {
	env := newTestEnv(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/sess-sse", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	served := make(chan struct{})
	go func() {
		defer close(served)
		env.router.ServeHTTP(rec, req)
	}()

	// The subscription is registered inside the handler, so keep publishing
	// until the client window closes.
	publishing := make(chan struct{})
	go func() {
		defer close(publishing)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
				env.deps.Bus.Publish(eventbus.TopicAgentResponse, eventbus.Event{
					SessionID: "sess-sse",
					Payload:   map[string]any{"content": "done"},
				})
				env.deps.Bus.Publish(eventbus.TopicAgentResponse, eventbus.Event{
					SessionID: "other-session",
					Payload:   map[string]any{"content": "leak"},
				})
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-served
	<-publishing

	out := rec.Body.String()
	if !strings.Contains(out, "event: agent_response\n") {
		t.Fatalf("no agent_response frame in %q", out)
	}
	if !strings.Contains(out, `"session_id":"sess-sse"`) {
		t.Error("frames must carry the session id")
	}
	if strings.Contains(out, "other-session") || strings.Contains(out, "leak") {
		t.Error("events from other sessions leaked into the stream")
	}
}

func TestSessionMessagesUnknownID(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec, body := env.do(t, http.MethodGet, "/api/v1/sessions/ghost/messages", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d body = %v", rec.Code, body)
	}
	if body["error"] == "" {
		t.Error("missing error message")
	}
}
