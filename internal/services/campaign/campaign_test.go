package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"herald/internal/eventbus"
	"herald/internal/gateway"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type fakeResolver struct {
	members []gateway.Member
	err     error
	ready   bool
}

func (f *fakeResolver) Ready() bool { return f.ready }

func (f *fakeResolver) ListMembers(context.Context, int64) ([]gateway.Member, error) {
	return f.members, f.err
}

type enqueued struct {
	campaignID  int64
	recipientID int64
	name        string
	content     string
}

type fakeDispatcher struct {
	items      []enqueued
	failFor    map[int64]error
	cleared    int
	processing bool
}

func (f *fakeDispatcher) Enqueue(_ context.Context, campaignID, recipientID int64, name, content string) error {
	if err, ok := f.failFor[recipientID]; ok {
		return err
	}
	f.items = append(f.items, enqueued{campaignID, recipientID, name, content})
	return nil
}

func (f *fakeDispatcher) ClearQueue() int {
	n := len(f.items)
	f.items = nil
	f.cleared += n
	return n
}

func (f *fakeDispatcher) StartProcessing(context.Context) { f.processing = true }

func seed(t *testing.T, st store.Store) (store.Campaign, store.MessageTemplate) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertCommunity(ctx, store.Community{ID: 10, Title: "gophers", Connected: true}); err != nil {
		t.Fatalf("UpsertCommunity: %v", err)
	}
	tmpl, err := st.CreateTemplate(ctx, store.MessageTemplate{Name: "hello", Content: "Hey @username, news from @servername!"})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	c, err := st.CreateCampaign(ctx, store.Campaign{
		Name:        "launch",
		CommunityID: 10,
		TemplateID:  tmpl.ID,
		TargetMode:  store.TargetAll,
	})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	return c, tmpl
}

func TestStartResolvesRendersAndEnqueues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	c, _ := seed(t, st)

	gw := &fakeResolver{ready: true, members: []gateway.Member{
		{ID: 1, Username: "ada"},
		{ID: 2, Username: "linus"},
		{ID: 3, Username: "helperbot", IsBot: true},
	}}
	disp := &fakeDispatcher{}
	svc := New(st, gw, disp, eventbus.New(), logx.Nop())

	got, err := svc.Transition(ctx, c.ID, store.StatusRunning)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != store.StatusRunning {
		t.Fatalf("status = %q, want running", got.Status)
	}
	if got.TotalMembers != 2 {
		t.Fatalf("TotalMembers = %d, want 2 (bot excluded)", got.TotalMembers)
	}
	if got.StartedAt == nil {
		t.Fatal("StartedAt not stamped")
	}
	if !disp.processing {
		t.Fatal("drain loop not started")
	}
	if len(disp.items) != 2 {
		t.Fatalf("enqueued = %d, want 2", len(disp.items))
	}
	if disp.items[0].content != "Hey ada, news from gophers!" {
		t.Fatalf("rendered content = %q", disp.items[0].content)
	}
}

func TestSelectTargets(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	members := []gateway.Member{
		{ID: 1, Username: "fresh", JoinedAt: now.Add(-3 * 24 * time.Hour)},
		{ID: 2, Username: "veteran", JoinedAt: now.Add(-90 * 24 * time.Hour)},
		{ID: 3, Username: "mod", Roles: []string{"admin"}, JoinedAt: now.Add(-30 * 24 * time.Hour)},
		{ID: 4, Username: "bot", IsBot: true, Roles: []string{"admin"}},
	}

	cases := []struct {
		name string
		mode store.TargetMode
		role string
		want []int64
	}{
		{"all excludes bots", store.TargetAll, "", []int64{1, 2, 3}},
		{"active equals all", store.TargetActive, "", []int64{1, 2, 3}},
		{"role filters then drops bots", store.TargetRole, "admin", []int64{3}},
		{"new means joined within a week", store.TargetNew, "", []int64{1}},
		{"unknown mode targets nobody", store.TargetMode("vip"), "", nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := selectTargets(members, tc.mode, tc.role, now)
			ids := make([]int64, 0, len(got))
			for _, m := range got {
				ids = append(ids, m.ID)
			}
			if len(ids) != len(tc.want) {
				t.Fatalf("ids = %v, want %v", ids, tc.want)
			}
			for i := range ids {
				if ids[i] != tc.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tc.want)
				}
			}
		})
	}
}

func TestStartFailureForceStops(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	c, _ := seed(t, st)

	gw := &fakeResolver{err: gateway.ErrNotReady}
	svc := New(st, gw, &fakeDispatcher{}, nil, logx.Nop())

	if _, err := svc.Transition(ctx, c.ID, store.StatusRunning); !errors.Is(err, gateway.ErrNotReady) {
		t.Fatalf("err = %v, want wrapped ErrNotReady", err)
	}
	got, _ := st.Campaign(ctx, c.ID)
	if got.Status != store.StatusStopped {
		t.Fatalf("status = %q, want stopped after failed start", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped on force stop")
	}
}

func TestEnqueueFailureSkipsIndividually(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	c, _ := seed(t, st)

	gw := &fakeResolver{ready: true, members: []gateway.Member{
		{ID: 1, Username: "ada"},
		{ID: 2, Username: "linus"},
	}}
	disp := &fakeDispatcher{failFor: map[int64]error{2: errors.New("queue is full")}}
	svc := New(st, gw, disp, nil, logx.Nop())

	got, err := svc.Transition(ctx, c.ID, store.StatusRunning)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// One target made it in; the other is recorded as skipped but the
	// campaign still starts.
	if got.Status != store.StatusRunning {
		t.Fatalf("status = %q, want running", got.Status)
	}
	if len(disp.items) != 1 || disp.items[0].recipientID != 1 {
		t.Fatalf("enqueued = %+v", disp.items)
	}
	logs, _ := st.LogsByCampaign(ctx, c.ID, 0)
	if len(logs) != 1 || logs[0].Status != store.DeliverySkipped || logs[0].UserID != 2 {
		t.Fatalf("logs = %+v, want one skipped entry for recipient 2", logs)
	}
}

func TestStartWithNoTargetsCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	c, _ := seed(t, st)

	gw := &fakeResolver{ready: true, members: []gateway.Member{{ID: 9, Username: "bot", IsBot: true}}}
	svc := New(st, gw, &fakeDispatcher{}, nil, logx.Nop())

	got, err := svc.Transition(ctx, c.ID, store.StatusRunning)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %q, want completed with zero targets", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped")
	}
}

func TestPauseResumeStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	c, _ := seed(t, st)

	gw := &fakeResolver{ready: true, members: []gateway.Member{{ID: 1, Username: "ada"}}}
	disp := &fakeDispatcher{}
	svc := New(st, gw, disp, eventbus.New(), logx.Nop())

	if _, err := svc.Transition(ctx, c.ID, store.StatusRunning); err != nil {
		t.Fatalf("start: %v", err)
	}

	paused, err := svc.Transition(ctx, c.ID, store.StatusPaused)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Status != store.StatusPaused {
		t.Fatalf("status = %q, want paused", paused.Status)
	}
	// Pause touches status only; the queue keeps its items.
	if len(disp.items) != 1 {
		t.Fatalf("queue mutated on pause: %+v", disp.items)
	}

	resumed, err := svc.Transition(ctx, c.ID, store.StatusRunning)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != store.StatusRunning {
		t.Fatalf("status = %q, want running", resumed.Status)
	}
	// Resume never re-enqueues.
	if len(disp.items) != 1 {
		t.Fatalf("queue mutated on resume: %+v", disp.items)
	}

	stopped, err := svc.Transition(ctx, c.ID, store.StatusStopped)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Status != store.StatusStopped || stopped.CompletedAt == nil {
		t.Fatalf("stopped = %+v", stopped)
	}
	if stopped.MessagesQueued != 0 {
		t.Fatalf("MessagesQueued = %d, want 0 after stop", stopped.MessagesQueued)
	}
	if disp.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", disp.cleared)
	}
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name    string
		from    store.CampaignStatus
		desired store.CampaignStatus
	}{
		{"draft cannot pause", store.StatusDraft, store.StatusPaused},
		{"draft cannot stop", store.StatusDraft, store.StatusStopped},
		{"completed is terminal", store.StatusCompleted, store.StatusRunning},
		{"stopped is terminal", store.StatusStopped, store.StatusRunning},
		{"running cannot restart", store.StatusRunning, store.StatusRunning},
		{"completed cannot be requested", store.StatusRunning, store.StatusCompleted},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := store.NewMemory()
			c, _ := st.CreateCampaign(ctx, store.Campaign{Name: "x", Status: tc.from})
			svc := New(st, &fakeResolver{}, &fakeDispatcher{}, nil, logx.Nop())
			if _, err := svc.Transition(ctx, c.ID, tc.desired); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestStartDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_, tmpl := seed(t, st)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	due, _ := st.CreateCampaign(ctx, store.Campaign{
		Name: "due", CommunityID: 10, TemplateID: tmpl.ID,
		TargetMode: store.TargetAll, ScheduledAt: &past,
	})
	later, _ := st.CreateCampaign(ctx, store.Campaign{
		Name: "later", CommunityID: 10, TemplateID: tmpl.ID,
		TargetMode: store.TargetAll, ScheduledAt: &future,
	})

	gw := &fakeResolver{ready: true, members: []gateway.Member{{ID: 1, Username: "ada"}}}
	svc := New(st, gw, &fakeDispatcher{}, nil, logx.Nop())

	if started := svc.StartDue(ctx); started != 1 {
		t.Fatalf("started = %d, want 1", started)
	}
	gotDue, _ := st.Campaign(ctx, due.ID)
	if gotDue.Status != store.StatusRunning {
		t.Fatalf("due campaign status = %q, want running", gotDue.Status)
	}
	gotLater, _ := st.Campaign(ctx, later.ID)
	if gotLater.Status != store.StatusDraft {
		t.Fatalf("future campaign status = %q, want draft", gotLater.Status)
	}
}
