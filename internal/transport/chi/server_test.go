package chi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chirouter "github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meterlane/paygent/internal/domain"
	domses "github.com/meterlane/paygent/internal/domain/session"
	healthuc "github.com/meterlane/paygent/internal/usecase/health"
	inferenceuc "github.com/meterlane/paygent/internal/usecase/inference"
	sessionuc "github.com/meterlane/paygent/internal/usecase/session"
)

// --- Mocks ---

type mockSessions struct {
	sess      domses.Session
	state     sessionuc.State
	createErr error
	endErr    error
}

func (m *mockSessions) Create(_ context.Context, budgetLimit int64, duration time.Duration) (domses.Session, error) {
	if m.createErr != nil {
		return domses.Session{}, m.createErr
	}
	m.sess = domses.New(budgetLimit, duration, "0xTreasury", time.Now())
	m.state = sessionuc.StateActive
	return m.sess, nil
}

func (m *mockSessions) Current() (domses.Session, sessionuc.State) { return m.sess, m.state }

func (m *mockSessions) End(_ context.Context) error {
	if m.endErr != nil {
		return m.endErr
	}
	m.sess = domses.Session{}
	m.state = sessionuc.StateNone
	return nil
}

type mockChat struct {
	res     inferenceuc.Result
	err     error
	updates []string
	lastIn  inferenceuc.Input
}

func (m *mockChat) Send(_ context.Context, in inferenceuc.Input, hooks inferenceuc.Hooks) (inferenceuc.Result, error) {
	m.lastIn = in
	for _, u := range m.updates {
		if hooks.OnUpdate != nil {
			hooks.OnUpdate(u)
		}
	}
	return m.res, m.err
}

type mockPinger struct{ err error }

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func newTestServer(sessions *mockSessions, chat *mockChat) http.Handler {
	srv := NewServer(sessions, chat, healthuc.New(&mockPinger{}, nil), zap.NewNop())
	r := chirouter.NewRouter()
	srv.Register(r)
	return r
}

// --- Tests ---

func TestCreateSession_OK(t *testing.T) {
	sessions := &mockSessions{state: sessionuc.StateNone}
	h := newTestServer(sessions, &mockChat{})

	body := `{"budget_limit":5000000,"duration_sec":3600}`
	req := httptest.NewRequest("POST", "/api/v1/session", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("got %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var resp sessionResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "active" || resp.BudgetLimit != 5_000_000 || resp.BudgetRemaining != 5_000_000 {
		t.Errorf("unexpected snapshot: %+v", resp)
	}
	if resp.ExpiresAt == nil || resp.DelegatedSigner != "0xTreasury" {
		t.Errorf("expiry and delegate must be present: %+v", resp)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	h := newTestServer(&mockSessions{}, &mockChat{})

	for _, body := range []string{
		`{"budget_limit":0,"duration_sec":3600}`,
		`{"budget_limit":5000000,"duration_sec":0}`,
		`not json`,
	} {
		req := httptest.NewRequest("POST", "/api/v1/session", strings.NewReader(body))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: got %d, want %d", body, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestCreateSession_InsufficientBalance(t *testing.T) {
	sessions := &mockSessions{createErr: domain.NewInsufficientBalance(5_000_000, 1_000_000)}
	h := newTestServer(sessions, &mockChat{})

	body := `{"budget_limit":5000000,"duration_sec":3600}`
	req := httptest.NewRequest("POST", "/api/v1/session", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusPaymentRequired)
	}
	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["code"] != codeInsufficientBalance {
		t.Errorf("unexpected code %v", resp["code"])
	}
	if resp["required"] != float64(5_000_000) || resp["available"] != float64(1_000_000) {
		t.Errorf("shortfall fields missing: %v", resp)
	}
}

func TestCreateSession_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{domain.ErrSessionCreating, http.StatusConflict},
		{domain.ErrNotConnected, http.StatusPreconditionFailed},
		{domain.ErrAuthorizationRejected, http.StatusBadGateway},
	}
	for _, tc := range cases {
		h := newTestServer(&mockSessions{createErr: tc.err}, &mockChat{})

		body := `{"budget_limit":5000000,"duration_sec":3600}`
		req := httptest.NewRequest("POST", "/api/v1/session", strings.NewReader(body))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != tc.status {
			t.Errorf("%v: got %d, want %d", tc.err, rr.Code, tc.status)
		}
	}
}

func TestGetSession_IncludesPresets(t *testing.T) {
	sessions := &mockSessions{state: sessionuc.StateNone}
	h := newTestServer(sessions, &mockChat{})

	req := httptest.NewRequest("GET", "/api/v1/session", http.NoBody)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusOK)
	}
	var resp sessionResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "none" {
		t.Errorf("expected state none, got %q", resp.State)
	}
	if len(resp.Presets) == 0 {
		t.Error("presets must be offered")
	}
}

func TestEndSession_NoContent(t *testing.T) {
	sessions := &mockSessions{state: sessionuc.StateActive}
	h := newTestServer(sessions, &mockChat{})

	req := httptest.NewRequest("DELETE", "/api/v1/session", http.NoBody)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusNoContent)
	}
	if sessions.state != sessionuc.StateNone {
		t.Error("session must be cleared")
	}
}

func TestChat_JSON(t *testing.T) {
	chat := &mockChat{res: inferenceuc.Result{ThreadID: "t-1", Text: "hello", TotalTokens: 12, SettledCost: 1800}}
	h := newTestServer(&mockSessions{}, chat)

	body := `{"message":"hi","model_id":"gpt"}`
	req := httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var resp chatResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != "hello" || resp.SettledCost != 1800 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if chat.lastIn.Message != "hi" || chat.lastIn.ModelID != "gpt" {
		t.Errorf("input not forwarded: %+v", chat.lastIn)
	}
}

func TestChat_DefaultModel(t *testing.T) {
	chat := &mockChat{}
	srv := NewServer(&mockSessions{}, chat, healthuc.New(&mockPinger{}, nil), zap.NewNop()).
		WithDefaultModel("llama-3")
	r := chirouter.NewRouter()
	srv.Register(r)

	body := `{"message":"hi"}`
	req := httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusOK)
	}
	if chat.lastIn.ModelID != "llama-3" {
		t.Errorf("ModelID = %q, want llama-3", chat.lastIn.ModelID)
	}
}

func TestChat_PaymentRequired(t *testing.T) {
	chat := &mockChat{err: domain.ErrPaymentRequired}
	h := newTestServer(&mockSessions{}, chat)

	body := `{"message":"hi"}`
	req := httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusPaymentRequired)
	}
}

func TestChat_InvalidAttachment(t *testing.T) {
	h := newTestServer(&mockSessions{}, &mockChat{})

	body := `{"message":"hi","image":{"mime_type":"image/png","data":"!!not-base64!!"}}`
	req := httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestChat_Streamed(t *testing.T) {
	chat := &mockChat{
		res:     inferenceuc.Result{ThreadID: "t-1", Text: "partial full"},
		updates: []string{"partial", "partial full"},
	}
	h := newTestServer(&mockSessions{}, chat)

	body := `{"message":"hi","stream":true}`
	req := httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %q", ct)
	}
	out := rr.Body.String()
	if !strings.Contains(out, "event: update\ndata: partial\n\n") {
		t.Errorf("missing first update event:\n%s", out)
	}
	if !strings.Contains(out, "event: done\n") {
		t.Errorf("missing done event:\n%s", out)
	}
}

func TestChat_StreamedError(t *testing.T) {
	chat := &mockChat{
		err:     domain.ErrStream,
		updates: []string{"partial"},
	}
	h := newTestServer(&mockSessions{}, chat)

	body := `{"message":"hi","stream":true}`
	req := httptest.NewRequest("POST", "/api/v1/chat", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	out := rr.Body.String()
	if !strings.Contains(out, "event: update\ndata: partial\n\n") {
		t.Errorf("partial text must be delivered before the error:\n%s", out)
	}
	if !strings.Contains(out, "event: error\n") {
		t.Errorf("missing error event:\n%s", out)
	}
}

func TestHealth_OK(t *testing.T) {
	h := newTestServer(&mockSessions{}, &mockChat{})

	req := httptest.NewRequest("GET", "/health", http.NoBody)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got %d, want %d", rr.Code, http.StatusOK)
	}
	var resp healthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Checks["database"] != "ok" {
		t.Errorf("unexpected health report: %+v", resp)
	}
}
