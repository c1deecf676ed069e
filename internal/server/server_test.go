package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/chat"
	"github.com/szaher/agentdeck/internal/llm"
	"github.com/szaher/agentdeck/internal/storage"
	"github.com/szaher/agentdeck/internal/token"
)

type testEnv struct {
	handler   http.Handler
	registry  *agent.Registry
	authority *token.Authority
	mock      *llm.MockClient
	now       *time.Time
}

func newTestEnv(t *testing.T, responses ...llm.MockResponse) *testEnv {
	t.Helper()

	backend, err := storage.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend returned unexpected error: %v", err)
	}

	if len(responses) == 0 {
		responses = []llm.MockResponse{{Content: "mock reply"}}
	}
	mock := llm.NewMockClient(responses...)
	completer := llm.NewCompleter(mock, "test-model")

	registry := agent.NewRegistry(backend)
	store := chat.NewStore(backend)
	controller := chat.NewController(store, completer)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{registry: registry, mock: mock, now: &now}

	env.authority = token.NewAuthority(backend, time.Hour,
		token.WithClock(func() time.Time { return *env.now }))

	srv := New(registry, controller, env.authority, WithBaseURL("http://test.local"))
	env.handler = srv.Handler()
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v\n%s", err, rec.Body.String())
	}
	return out
}

func (env *testEnv) createAgent(t *testing.T) string {
	t.Helper()
	rec := env.do(t, "POST", "/api/v1/agents", `{
		"name": "Researcher",
		"role": "Senior research assistant",
		"goal": "Answer questions with cited sources",
		"backstory": "Spent a decade digging through academic archives"
	}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agent status = %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)["id"].(string)
}

func (env *testEnv) createSession(t *testing.T, agentID string) string {
	t.Helper()
	rec := env.do(t, "POST", "/api/v1/agents/"+agentID+"/chat/sessions", `{}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)["id"].(string)
}

func bearer(value string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + value}}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}

func TestAgentCRUD(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)

	rec := env.do(t, "GET", "/api/v1/agents/"+agentID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get agent status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["name"]; got != "Researcher" {
		t.Errorf("agent name = %v", got)
	}

	rec = env.do(t, "GET", "/api/v1/agents", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list agents status = %d", rec.Code)
	}

	rec = env.do(t, "PUT", "/api/v1/agents/"+agentID, `{
		"name": "Archivist",
		"role": "Senior research assistant",
		"goal": "Answer questions with cited sources",
		"backstory": "Spent a decade digging through academic archives"
	}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update agent status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["name"]; got != "Archivist" {
		t.Errorf("updated name = %v", got)
	}

	rec = env.do(t, "DELETE", "/api/v1/agents/"+agentID, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete agent status = %d", rec.Code)
	}
	rec = env.do(t, "GET", "/api/v1/agents/"+agentID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get deleted agent status = %d, want 404", rec.Code)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/v1/agents", `{"name": "X", "role": "short"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid agent status = %d, want 400", rec.Code)
	}

	rec = env.do(t, "POST", "/api/v1/agents", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestChatFlow(t *testing.T) {
	env := newTestEnv(t,
		llm.MockResponse{Content: "first reply"},
		llm.MockResponse{Content: "second reply"},
	)
	agentID := env.createAgent(t)
	sessionID := env.createSession(t, agentID)

	base := "/api/v1/agents/" + agentID + "/chat/sessions/" + sessionID

	rec := env.do(t, "POST", base+"/messages", `{"prompt": "hello there"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["response"]; got != "first reply" {
		t.Errorf("send response = %v", got)
	}

	rec = env.do(t, "GET", base+"/messages", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list messages status = %d", rec.Code)
	}
	msgs := decodeBody(t, rec)["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}

	// Session list shows the derived title.
	rec = env.do(t, "GET", "/api/v1/agents/"+agentID+"/chat/sessions", "", nil)
	sessions := decodeBody(t, rec)["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if title := sessions[0].(map[string]any)["title"]; title != "hello there" {
		t.Errorf("derived title = %v", title)
	}

	rec = env.do(t, "PUT", base+"/messages/0", `{"new_content": "hello again"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["response"]; got != "second reply" {
		t.Errorf("edit response = %v", got)
	}

	rec = env.do(t, "POST", base+"/regenerate", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("regenerate status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, "DELETE", base+"/messages", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear status = %d", rec.Code)
	}

	rec = env.do(t, "DELETE", base, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete session status = %d", rec.Code)
	}
	rec = env.do(t, "GET", base+"/messages", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("messages of deleted session status = %d, want 404", rec.Code)
	}
}

func TestChatErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)
	sessionID := env.createSession(t, agentID)
	base := "/api/v1/agents/" + agentID + "/chat/sessions/" + sessionID

	// Unknown session.
	rec := env.do(t, "POST", "/api/v1/agents/"+agentID+"/chat/sessions/nope/messages", `{"prompt": "x"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}

	// Regenerate with no assistant reply.
	rec = env.do(t, "POST", base+"/regenerate", "", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("regenerate empty session status = %d, want 409", rec.Code)
	}

	if rec := env.do(t, "POST", base+"/messages", `{"prompt": "hi"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("send status = %d", rec.Code)
	}

	// Edit an assistant message.
	rec = env.do(t, "PUT", base+"/messages/1", `{"new_content": "x"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("edit assistant message status = %d, want 400", rec.Code)
	}

	// Edit out of range.
	rec = env.do(t, "PUT", base+"/messages/9", `{"new_content": "x"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("edit out of range status = %d, want 400", rec.Code)
	}
}

func TestCompletionFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t, llm.MockResponse{Error: fmt.Errorf("upstream down")})
	agentID := env.createAgent(t)
	sessionID := env.createSession(t, agentID)

	rec := env.do(t, "POST",
		"/api/v1/agents/"+agentID+"/chat/sessions/"+sessionID+"/messages",
		`{"prompt": "doomed"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failed completion status = %d, want 502", rec.Code)
	}

	// The user turn is kept as a visible failed message.
	rec = env.do(t, "GET",
		"/api/v1/agents/"+agentID+"/chat/sessions/"+sessionID+"/messages", "", nil)
	msgs := decodeBody(t, rec)["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("messages after failed send = %d, want 1", len(msgs))
	}
}

func TestDeploymentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)
	path := "/api/v1/agents/" + agentID + "/deployment"

	rec := env.do(t, "GET", path, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if deployed := decodeBody(t, rec)["deployed"]; deployed != false {
		t.Errorf("deployed = %v, want false", deployed)
	}

	rec = env.do(t, "POST", path, "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("deploy status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	tokenValue := body["token"].(map[string]any)["token"].(string)
	if !strings.HasPrefix(tokenValue, "agt_") {
		t.Errorf("token %q missing prefix", tokenValue)
	}
	if endpoint := body["endpoint"].(string); endpoint != "http://test.local/api/v1/agents/"+agentID+"/chat" {
		t.Errorf("endpoint = %q", endpoint)
	}

	// Deploying again without regenerate returns the same token.
	rec = env.do(t, "POST", path, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("redeploy status = %d", rec.Code)
	}
	if same := decodeBody(t, rec)["token"].(map[string]any)["token"].(string); same != tokenValue {
		t.Error("redeploy without regenerate changed the token")
	}

	// Regenerating supersedes it.
	rec = env.do(t, "POST", path+"?regenerate=true", "", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("regenerate status = %d", rec.Code)
	}
	fresh := decodeBody(t, rec)["token"].(map[string]any)["token"].(string)
	if fresh == tokenValue {
		t.Error("regenerate did not change the token")
	}

	rec = env.do(t, "DELETE", path, "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke status = %d", rec.Code)
	}
	rec = env.do(t, "DELETE", path, "", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second revoke status = %d, want 409", rec.Code)
	}
}

func TestGatewayChat(t *testing.T) {
	env := newTestEnv(t, llm.MockResponse{Content: "gateway reply"})
	agentID := env.createAgent(t)

	rec := env.do(t, "POST", "/api/v1/agents/"+agentID+"/deployment", "", nil)
	tokenValue := decodeBody(t, rec)["token"].(map[string]any)["token"].(string)

	rec = env.do(t, "POST", "/api/v1/agents/"+agentID+"/chat",
		`{"prompt": "hello"}`, bearer(tokenValue))
	if rec.Code != http.StatusOK {
		t.Fatalf("gateway chat status = %d: %s", rec.Code, rec.Body.String())
	}
	if reply := decodeBody(t, rec)["reply"]; reply != "gateway reply" {
		t.Errorf("reply = %v", reply)
	}

	// The conversation landed in a session titled for API traffic.
	rec = env.do(t, "GET", "/api/v1/agents/"+agentID+"/chat/sessions", "", nil)
	sessions := decodeBody(t, rec)["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if count := sessions[0].(map[string]any)["message_count"]; count != float64(2) {
		t.Errorf("message_count = %v, want 2", count)
	}
}

func TestGatewayAuthFailuresAreUniform(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)

	rec := env.do(t, "POST", "/api/v1/agents/"+agentID+"/deployment", "", nil)
	tokenValue := decodeBody(t, rec)["token"].(map[string]any)["token"].(string)

	otherID := env.createAgent(t)

	path := "/api/v1/agents/" + agentID + "/chat"
	cases := []struct {
		name   string
		path   string
		header http.Header
	}{
		{"no header", path, nil},
		{"malformed header", path, http.Header{"Authorization": []string{"Token abc"}}},
		{"unknown token", path, bearer("agt_unknownunknownunknownunknownun")},
		{"valid token, wrong agent", "/api/v1/agents/" + otherID + "/chat", bearer(tokenValue)},
		{"valid token, missing agent", "/api/v1/agents/ghost-agent/chat", bearer(tokenValue)},
	}

	var firstBody string
	for _, tc := range cases {
		rec := env.do(t, "POST", tc.path, `{"prompt": "hi"}`, tc.header)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tc.name, rec.Code)
			continue
		}
		if firstBody == "" {
			firstBody = rec.Body.String()
		} else if rec.Body.String() != firstBody {
			t.Errorf("%s: 401 body differs, leaks failure reason:\n%s\nvs\n%s",
				tc.name, rec.Body.String(), firstBody)
		}
	}
}

func TestGatewayRevokedAndExpiredTokens(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)
	path := "/api/v1/agents/" + agentID + "/chat"

	rec := env.do(t, "POST", "/api/v1/agents/"+agentID+"/deployment", "", nil)
	oldToken := decodeBody(t, rec)["token"].(map[string]any)["token"].(string)

	// Superseded token.
	rec = env.do(t, "POST", "/api/v1/agents/"+agentID+"/deployment?regenerate=true", "", nil)
	newToken := decodeBody(t, rec)["token"].(map[string]any)["token"].(string)

	rec = env.do(t, "POST", path, `{"prompt": "hi"}`, bearer(oldToken))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked token status = %d, want 401", rec.Code)
	}

	// Expired token.
	*env.now = env.now.Add(2 * time.Hour)
	rec = env.do(t, "POST", path, `{"prompt": "hi"}`, bearer(newToken))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token status = %d, want 401", rec.Code)
	}
}

func TestGatewayRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)

	rec := env.do(t, "POST", "/api/v1/agents/"+agentID+"/deployment", "", nil)
	tokenValue := decodeBody(t, rec)["token"].(map[string]any)["token"].(string)

	rec = env.do(t, "POST", "/api/v1/agents/"+agentID+"/chat", `{"prompt": ""}`, bearer(tokenValue))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", rec.Code)
	}

	rec = env.do(t, "POST", "/api/v1/agents/"+agentID+"/chat", `{"prompt": "  \n "}`, bearer(tokenValue))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("whitespace message status = %d, want 400", rec.Code)
	}
}

func TestInternalSendRejectsEmptyPrompt(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)
	sessionID := env.createSession(t, agentID)

	base := "/api/v1/agents/" + agentID + "/chat/sessions/" + sessionID + "/messages"
	for _, body := range []string{`{"prompt": ""}`, `{"prompt": "   "}`, `{}`} {
		rec := env.do(t, "POST", base, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("send %s status = %d, want 400", body, rec.Code)
		}
	}

	// Nothing may have been appended by the rejected sends.
	rec := env.do(t, "GET", base, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list messages status = %d", rec.Code)
	}
	if msgs := decodeBody(t, rec)["messages"]; msgs != nil {
		t.Errorf("messages after rejected sends = %v, want none", msgs)
	}
}

func TestTraversalIdentifiersAreRejected(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)

	// ServeMux decodes %2F and %2E, so these reach handlers as "../..".
	rec := env.do(t, "GET", "/api/v1/agents/..%2F..%2Fsecret", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("traversal agent id status = %d, want 400", rec.Code)
	}

	rec = env.do(t, "DELETE", "/api/v1/agents/..%2F..", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("traversal agent delete status = %d, want 400", rec.Code)
	}

	rec = env.do(t, "GET", "/api/v1/agents/"+agentID+"/chat/sessions/..%2Fagent/messages", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("traversal session id status = %d, want 400", rec.Code)
	}
}
