package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/ticket"
)

const testToken = "secret-token"

type testEnv struct {
	srv    *httptest.Server
	sched  *fakeScheduler
	store  *ticket.MemoryStore
	bus    *orchestrator.Bus
	health *observability.HealthChecker
}

func newTestEnv(t *testing.T, cfg Config, rl *ratelimit.Limiter) *testEnv {
	t.Helper()
	if cfg.APIKeys == nil {
		cfg.APIKeys = map[string]string{testToken: "operator"}
	}
	env := &testEnv{
		sched:  &fakeScheduler{},
		store:  ticket.NewMemoryStore(),
		bus:    orchestrator.NewBus(),
		health: observability.NewHealthChecker(nil),
	}
	if cfg.HealthChecker == nil {
		cfg.HealthChecker = env.health
	}
	g := NewGateway(cfg, env.sched, env.store, rl, nil).
		WithApprovals(approval.NewManager(time.Hour, nil, nil)).
		WithEvents(env.bus)
	env.srv = httptest.NewServer(g.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	return e.doWithToken(t, method, path, body, testToken)
}

func (e *testEnv) doWithToken(t *testing.T, method, path, body, token string) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

// --- Authentication ---

func TestGateway_RequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	if code, _ := env.doWithToken(t, "GET", "/v1/status", "", ""); code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", code)
	}
	if code, _ := env.doWithToken(t, "GET", "/v1/status", "", "wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", code)
	}
	if code, body := env.do(t, "GET", "/v1/status", ""); code != http.StatusOK {
		t.Errorf("valid token: status = %d, body = %s", code, body)
	}
}

func TestGateway_HealthEndpointsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	if code, _ := env.doWithToken(t, "GET", "/healthz", "", ""); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}
	if code, _ := env.doWithToken(t, "GET", "/readyz", "", ""); code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", code)
	}
}

func TestGateway_ReadinessDegraded(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	env.health.AddCheck("store", func(context.Context) error { return errors.New("down") })

	code, body := env.doWithToken(t, "GET", "/readyz", "", "")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz = %d, want 503", code)
	}
	var hs observability.HealthStatus
	if err := json.Unmarshal(body, &hs); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if hs.Checks["store"].Status != "fail" {
		t.Errorf("store check = %+v", hs.Checks["store"])
	}
}

func TestGateway_RateLimited(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1, BurstSize: 1}, nil)
	env := newTestEnv(t, Config{}, rl)

	if code, _ := env.do(t, "GET", "/v1/status", ""); code != http.StatusOK {
		t.Fatalf("first request = %d", code)
	}
	if code, _ := env.do(t, "GET", "/v1/status", ""); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
}

// --- Tickets ---

func TestGateway_SubmitTicket(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	code, body := env.do(t, "POST", "/v1/tickets", `{"title":"write parser","priority":"P1","operation_type":"code_generation"}`)
	if code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", code, body)
	}
	var got ticket.Ticket
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.ID == uuid.Nil || got.Priority != ticket.P1 {
		t.Errorf("ticket = %+v", got)
	}
	if len(env.sched.submitted) != 1 || env.sched.submitted[0].OperationType != ticket.OpCodeGeneration {
		t.Errorf("submitted = %+v", env.sched.submitted)
	}
}

func TestGateway_SubmitValidation(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	for _, body := range []string{
		`{"body":"no title"}`,
		`{"title":"x","priority":"P9"}`,
		`{"title":"x","team":"marketing"}`,
	} {
		if code, _ := env.do(t, "POST", "/v1/tickets", body); code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want 400", body, code)
		}
	}
	if len(env.sched.submitted) != 0 {
		t.Errorf("invalid submissions reached the scheduler: %d", len(env.sched.submitted))
	}
}

func TestGateway_GetTicket(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	ctx := context.Background()
	tk := &ticket.Ticket{Title: "t1"}
	if err := env.store.Create(ctx, tk); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = env.store.AddReply(ctx, tk.ID, "coder", "done")

	code, body := env.do(t, "GET", "/v1/tickets/"+tk.ID.String(), "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", code, body)
	}
	var resp TicketResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Ticket.ID != tk.ID || len(resp.Replies) != 1 {
		t.Errorf("response = %+v", resp)
	}

	if code, _ := env.do(t, "GET", "/v1/tickets/"+uuid.NewString(), ""); code != http.StatusNotFound {
		t.Errorf("unknown ticket = %d, want 404", code)
	}
	if code, _ := env.do(t, "GET", "/v1/tickets/not-a-uuid", ""); code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", code)
	}
}

func TestGateway_ErrorMapping(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"terminal", fmt.Errorf("%w: resolved", orchestrator.ErrTerminal), http.StatusConflict},
		{"not queued", fmt.Errorf("%w: x", orchestrator.ErrNotQueued), http.StatusConflict},
		{"not found", ticket.ErrNotFound, http.StatusNotFound},
		{"not running", orchestrator.ErrNotRunning, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, nil)
			env.sched.err = tt.err
			if code, _ := env.do(t, "POST", "/v1/tickets/"+id+"/cancel", ""); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestGateway_CancelPassesReason(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	id := uuid.New()

	if code, _ := env.do(t, "POST", "/v1/tickets/"+id.String()+"/cancel", `{"reason":"dup"}`); code != http.StatusOK {
		t.Fatalf("cancel = %d", code)
	}
	if env.sched.lastID != id || env.sched.lastReason != "dup" {
		t.Errorf("Cancel(%s, %q)", env.sched.lastID, env.sched.lastReason)
	}

	_, _ = env.do(t, "POST", "/v1/tickets/"+id.String()+"/cancel", "")
	if env.sched.lastReason != "cancelled by operator" {
		t.Errorf("default reason = %q", env.sched.lastReason)
	}
}

func TestGateway_HoldAndRelease(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	id := uuid.New()

	if code, _ := env.do(t, "POST", "/v1/tickets/"+id.String()+"/hold", `{"timeout_seconds":5}`); code != http.StatusBadRequest {
		t.Errorf("hold without resource = %d, want 400", code)
	}
	code, body := env.do(t, "POST", "/v1/tickets/"+id.String()+"/hold", `{"resource":"model-B","timeout_seconds":5}`)
	if code != http.StatusOK {
		t.Fatalf("hold = %d, body = %s", code, body)
	}
	if env.sched.lastResource != "model-B" || env.sched.lastTimeout != 5*time.Second {
		t.Errorf("Hold(%q, %v)", env.sched.lastResource, env.sched.lastTimeout)
	}

	env.sched.released = 3
	code, body = env.do(t, "POST", "/v1/resources/model-B/release", "")
	if code != http.StatusOK {
		t.Fatalf("release = %d", code)
	}
	var cr CountResponse
	_ = json.Unmarshal(body, &cr)
	if cr.Count != 3 {
		t.Errorf("released count = %d, want 3", cr.Count)
	}
}

func TestGateway_SchedulerControls(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	if code, _ := env.do(t, "POST", "/v1/boss/run", ""); code != http.StatusAccepted {
		t.Errorf("boss/run = %d, want 202", code)
	}
	if code, _ := env.do(t, "POST", "/v1/recover", ""); code != http.StatusOK {
		t.Errorf("recover = %d", code)
	}
	if code, _ := env.do(t, "PUT", "/v1/settings/ai-mode", `{"mode":"turbo"}`); code != http.StatusBadRequest {
		t.Errorf("bad ai mode = %d, want 400", code)
	}
	if code, _ := env.do(t, "PUT", "/v1/settings/ai-mode", `{"mode":"manual"}`); code != http.StatusOK {
		t.Errorf("ai mode = %d", code)
	}
	if env.sched.mode != orchestrator.ModeManual {
		t.Errorf("mode = %q", env.sched.mode)
	}

	raw := `{"type":"cancel_ticket","ticket_id":"` + uuid.NewString() + `"}`
	if code, _ := env.do(t, "POST", "/v1/directives", raw); code != http.StatusOK {
		t.Errorf("directive = %d", code)
	}
	if !bytes.Equal(env.sched.lastDirective, []byte(raw)) {
		t.Errorf("directive body = %s", env.sched.lastDirective)
	}
}

// --- Approvals ---

func TestGateway_ApproveAndDeny(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	tid := uuid.New()
	env.sched.approval = &approval.Request{ID: "ap-1", TicketID: tid, Kind: approval.KindDispatch, Status: approval.StatusApproved}

	code, body := env.do(t, "POST", "/v1/approvals/ap-1/approve", "")
	if code != http.StatusOK {
		t.Fatalf("approve = %d, body = %s", code, body)
	}
	var ar ApprovalResponse
	_ = json.Unmarshal(body, &ar)
	if ar.Status != "approved" || ar.TicketID != tid.String() {
		t.Errorf("response = %+v", ar)
	}
	if env.sched.lastApprover != "operator" {
		t.Errorf("approver = %q, want operator", env.sched.lastApprover)
	}

	env.sched.err = approval.ErrExpired
	if code, _ := env.do(t, "POST", "/v1/approvals/ap-1/deny", ""); code != http.StatusGone {
		t.Errorf("deny expired = %d, want 410", code)
	}
	env.sched.err = approval.ErrAlreadyResolved
	if code, _ := env.do(t, "POST", "/v1/approvals/ap-1/approve", ""); code != http.StatusConflict {
		t.Errorf("approve resolved = %d, want 409", code)
	}
}

func TestGateway_ListApprovals(t *testing.T) {
	mgr := approval.NewManager(time.Hour, nil, nil)
	id, err := mgr.Create(context.Background(), &approval.CreateRequest{TicketID: uuid.New(), Kind: approval.KindReview, Reason: "flagged"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	g := NewGateway(Config{}, &fakeScheduler{}, ticket.NewMemoryStore(), nil, nil).WithApprovals(mgr)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/approvals")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var list []ApprovalResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(list) != 1 || list[0].ID != id || list[0].Kind != "review" {
		t.Errorf("approvals = %+v", list)
	}

	bad, err := http.Get(srv.URL + "/v1/approvals?status=bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", bad.StatusCode)
	}
}

// --- Observability ---

func TestGateway_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "kazi_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	env := newTestEnv(t, Config{MetricsRegistry: reg}, nil)
	code, body := env.doWithToken(t, "GET", "/metrics", "", "")
	if code != http.StatusOK {
		t.Fatalf("/metrics = %d", code)
	}
	if !strings.Contains(string(body), "kazi_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}
}

// --- Event stream ---

func TestGateway_EventStream(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/events?type=ticket.&token=" + testToken
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	id := uuid.New()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// The server subscribes after the handshake; publish until read.
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				env.bus.Publish(orchestrator.Event{Type: orchestrator.EventHeld, Time: time.Now()})
				env.bus.Publish(orchestrator.Event{Type: orchestrator.EventDispatched, TicketID: id, Time: time.Now()})
			}
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev orchestrator.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if ev.Type != orchestrator.EventDispatched || ev.TicketID != id {
		t.Errorf("event = %+v, want filtered ticket.dispatched", ev)
	}
}

func TestGateway_EventStreamRejectsBadToken(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/events?token=nope"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("Dial succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

// --- Fakes ---

type fakeScheduler struct {
	mu            sync.Mutex
	err           error
	submitted     []*ticket.Ticket
	lastID        uuid.UUID
	lastReason    string
	lastResource  string
	lastTimeout   time.Duration
	lastDirective []byte
	lastApprover  string
	released      int
	mode          orchestrator.AIMode
	approval      *approval.Request
}

func (f *fakeScheduler) Status(context.Context) (*orchestrator.Status, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.Status{State: orchestrator.StateIdle, MaxSlots: 4}, nil
}

func (f *fakeScheduler) Submit(_ context.Context, t *ticket.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	t.ID = uuid.New()
	f.submitted = append(f.submitted, t)
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID, f.lastReason = id, reason
	return f.err
}

func (f *fakeScheduler) Dispatch(_ context.Context, id uuid.UUID) error {
	f.lastID = id
	return f.err
}

func (f *fakeScheduler) Hold(_ context.Context, id uuid.UUID, resource string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID, f.lastResource, f.lastTimeout = id, resource, timeout
	return f.err
}

func (f *fakeScheduler) Release(_ context.Context, resource string) (int, error) {
	f.lastResource = resource
	return f.released, f.err
}

func (f *fakeScheduler) Execute(_ context.Context, raw []byte) error {
	f.lastDirective = append([]byte(nil), raw...)
	return f.err
}

func (f *fakeScheduler) Approve(_ context.Context, _ string, approver string) (*approval.Request, error) {
	f.lastApprover = approver
	if f.err != nil {
		return nil, f.err
	}
	return f.approval, nil
}

func (f *fakeScheduler) Deny(_ context.Context, _ string, denier string) (*approval.Request, error) {
	f.lastApprover = denier
	if f.err != nil {
		return nil, f.err
	}
	r := *f.approval
	r.Status = approval.StatusDenied
	return &r, nil
}

func (f *fakeScheduler) SetAIMode(_ context.Context, mode orchestrator.AIMode) error {
	f.mode = mode
	return f.err
}

func (f *fakeScheduler) RunBoss(context.Context) error { return f.err }

func (f *fakeScheduler) Recover(context.Context) (int, error) { return 0, f.err }
