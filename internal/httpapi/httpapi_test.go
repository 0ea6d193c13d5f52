package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"herald/internal/eventbus"
	"herald/internal/gateway"
	"herald/internal/services/campaign"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type fakeGate struct{ ready bool }

func (f fakeGate) Ready() bool { return f.ready }

type fakeQueueInfo struct {
	length  int
	cleared int
}

func (f *fakeQueueInfo) Len() int { return f.length }

func (f *fakeQueueInfo) ClearQueue() int {
	n := f.length
	f.length = 0
	f.cleared += n
	return n
}

type fakeRate struct {
	rate  int
	usage float64
}

func (f fakeRate) RatePerMinute() int                    { return f.rate }
func (f fakeRate) UsageFraction(context.Context) float64 { return f.usage }

type fakeResolver struct {
	members []gateway.Member
	err     error
}

func (f fakeResolver) Ready() bool { return true }

func (f fakeResolver) ListMembers(context.Context, int64) ([]gateway.Member, error) {
	return f.members, f.err
}

type nopDispatcher struct{}

func (nopDispatcher) Enqueue(context.Context, int64, int64, string, string) error { return nil }
func (nopDispatcher) ClearQueue() int                                             { return 0 }
func (nopDispatcher) StartProcessing(context.Context)                             {}

type harness struct {
	ts *httptest.Server
	st store.Store
}

func newHarness(t *testing.T, members []gateway.Member) *harness {
	t.Helper()
	st := store.NewMemory()
	bus := eventbus.New()
	lc := campaign.New(st, fakeResolver{members: members}, nopDispatcher{}, bus, logx.Nop())
	srv := New(Config{Enabled: true}, st, fakeGate{ready: true}, &fakeQueueInfo{length: 3}, fakeRate{rate: 2, usage: 0.4}, lc, bus, logx.Nop())
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, st: st}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return v
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[map[string]any](t, body)
	if got["connected"] != true {
		t.Fatalf("connected = %v", got["connected"])
	}
	if got["queueLength"].(float64) != 3 {
		t.Fatalf("queueLength = %v", got["queueLength"])
	}
}

func TestTemplateEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/api/templates", map[string]string{
		"name": "welcome", "content": "Hi @username",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	created := decode[templateDTO](t, body)
	if created.ID == 0 {
		t.Fatal("no id assigned")
	}

	resp, _ = h.do(t, http.MethodPost, "/api/templates", map[string]string{"name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing content: status = %d", resp.StatusCode)
	}

	resp, body = h.do(t, http.MethodGet, "/api/templates", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if list := decode[[]templateDTO](t, body); len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	resp, _ = h.do(t, http.MethodDelete, "/api/templates/999", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete missing: status = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodDelete, "/api/templates/1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
}

func TestCampaignCreateValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, _ := h.do(t, http.MethodPost, "/api/campaigns", map[string]any{"name": "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing fields: status = %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/campaigns", map[string]any{
		"name": "x", "communityId": 1, "templateId": 99, "targetMode": "vip",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode: status = %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/campaigns", map[string]any{
		"name": "x", "communityId": 1, "templateId": 99,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing template: status = %d", resp.StatusCode)
	}
}

func TestCampaignFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, []gateway.Member{{ID: 1, Username: "ada"}})

	if err := h.st.UpsertCommunity(ctx, store.Community{ID: 10, Title: "gophers"}); err != nil {
		t.Fatalf("UpsertCommunity: %v", err)
	}
	tmpl, err := h.st.CreateTemplate(ctx, store.MessageTemplate{Name: "w", Content: "hi @username"})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	resp, body := h.do(t, http.MethodPost, "/api/campaigns", map[string]any{
		"name": "launch", "communityId": 10, "templateId": tmpl.ID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", resp.StatusCode, body)
	}
	created := decode[campaignDTO](t, body)
	if created.Status != "draft" || created.TargetMode != "all" {
		t.Fatalf("created = %+v", created)
	}

	resp, body = h.do(t, http.MethodPost, "/api/campaigns/1/status", map[string]string{"status": "running"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status = %d: %s", resp.StatusCode, body)
	}
	started := decode[campaignDTO](t, body)
	if started.Status != "running" || started.TotalMembers != 1 {
		t.Fatalf("started = %+v", started)
	}

	// draft->running again is invalid from running.
	resp, _ = h.do(t, http.MethodPost, "/api/campaigns/1/status", map[string]string{"status": "running"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double start: status = %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/campaigns/1/status", map[string]string{"status": "nonsense"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status: status = %d", resp.StatusCode)
	}

	resp, body = h.do(t, http.MethodGet, "/api/campaigns?status=running", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered list: status = %d", resp.StatusCode)
	}
	if list := decode[[]campaignDTO](t, body); len(list) != 1 {
		t.Fatalf("running list = %+v", list)
	}
}

func TestRateLimitEndpoints(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodGet, "/api/ratelimit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d", resp.StatusCode)
	}
	got := decode[map[string]any](t, body)
	if got["configured"] != true || got["messagesPerMinute"].(float64) != 5 {
		t.Fatalf("seeded policy = %v", got)
	}
	if got["currentRate"].(float64) != 2 {
		t.Fatalf("currentRate = %v", got["currentRate"])
	}

	resp, _ = h.do(t, http.MethodPut, "/api/ratelimit", map[string]int{
		"messagesPerMinute": 0, "cooldownSeconds": 5, "maxQueueSize": 100,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid update: status = %d", resp.StatusCode)
	}

	resp, body = h.do(t, http.MethodPut, "/api/ratelimit", map[string]int{
		"messagesPerMinute": 10, "cooldownSeconds": 5, "maxQueueSize": 100,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status = %d: %s", resp.StatusCode, body)
	}
	p, ok, _ := h.st.RatePolicy(context.Background())
	if !ok || p.MessagesPerMinute != 10 {
		t.Fatalf("policy after update = %+v ok=%v", p, ok)
	}
}

func TestLogsEndpoints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, nil)

	c, _ := h.st.CreateCampaign(ctx, store.Campaign{Name: "x", Status: store.StatusRunning})
	for i := 0; i < 5; i++ {
		_, _ = h.st.CreateLog(ctx, store.MessageLog{CampaignID: c.ID, UserID: int64(i), Status: store.DeliverySuccess})
	}

	resp, body := h.do(t, http.MethodGet, "/api/logs?limit=2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs: status = %d", resp.StatusCode)
	}
	if list := decode[[]logDTO](t, body); len(list) != 2 {
		t.Fatalf("logs = %+v", list)
	}

	resp, _ = h.do(t, http.MethodGet, "/api/campaigns/999/logs", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing campaign logs: status = %d", resp.StatusCode)
	}
	resp, body = h.do(t, http.MethodGet, "/api/campaigns/1/logs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("campaign logs: status = %d", resp.StatusCode)
	}
	if list := decode[[]logDTO](t, body); len(list) != 5 {
		t.Fatalf("campaign logs = %d entries", len(list))
	}
}

func TestQueueAndStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodGet, "/api/queue", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue: status = %d", resp.StatusCode)
	}
	if got := decode[map[string]any](t, body); got["length"].(float64) != 3 {
		t.Fatalf("length = %v", got["length"])
	}

	resp, body = h.do(t, http.MethodDelete, "/api/queue", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status = %d", resp.StatusCode)
	}
	if got := decode[map[string]any](t, body); got["cleared"].(float64) != 3 {
		t.Fatalf("cleared = %v", got["cleared"])
	}

	resp, body = h.do(t, http.MethodGet, "/api/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: status = %d", resp.StatusCode)
	}
	got := decode[map[string]any](t, body)
	if _, ok := got["campaignsByStatus"]; !ok {
		t.Fatalf("stats = %v", got)
	}
}
