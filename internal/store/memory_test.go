package store

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "herald/pkg/logx"
)

func TestMemoryTemplatesCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	tmpl, err := s.CreateTemplate(ctx, MessageTemplate{Name: "welcome", Content: "Hi @username"})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	if tmpl.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if tmpl.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}

	got, err := s.Template(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	if got.Content != "Hi @username" {
		t.Fatalf("content = %q", got.Content)
	}

	upd, err := s.UpdateTemplate(ctx, tmpl.ID, "welcome-v2", "Hello @username from @servername")
	if err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}
	if upd.Name != "welcome-v2" {
		t.Fatalf("name = %q", upd.Name)
	}

	if err := s.DeleteTemplate(ctx, tmpl.ID); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	if _, err := s.Template(ctx, tmpl.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteTemplate(ctx, tmpl.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestMemoryCampaignLifecycleFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	c, err := s.CreateCampaign(ctx, Campaign{
		Name:        "launch",
		CommunityID: 42,
		TemplateID:  1,
		TargetMode:  TargetAll,
	})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if c.Status != StatusDraft {
		t.Fatalf("status = %q, want draft", c.Status)
	}

	now := time.Now()
	upd, err := s.UpdateCampaign(ctx, c.ID, func(c *Campaign) {
		c.Status = StatusRunning
		c.StartedAt = &now
		c.MessagesQueued = 10
	})
	if err != nil {
		t.Fatalf("UpdateCampaign: %v", err)
	}
	if upd.Status != StatusRunning || upd.MessagesQueued != 10 {
		t.Fatalf("unexpected update result: %+v", upd)
	}

	running, err := s.CampaignsByStatus(ctx, StatusRunning)
	if err != nil {
		t.Fatalf("CampaignsByStatus: %v", err)
	}
	if len(running) != 1 || running[0].ID != c.ID {
		t.Fatalf("running = %+v", running)
	}

	if _, err := s.UpdateCampaign(ctx, 999, func(*Campaign) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing campaign, got %v", err)
	}
}

func TestMemoryMemberJoinedAtPreserved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	first := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	if err := s.UpsertMember(ctx, Member{CommunityID: 1, UserID: 7, Username: "ada", JoinedAt: first}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}
	// Roster refresh without a join date must not erase the original one.
	if err := s.UpsertMember(ctx, Member{CommunityID: 1, UserID: 7, Username: "ada_l"}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}

	members, err := s.MembersByCommunity(ctx, 1)
	if err != nil {
		t.Fatalf("MembersByCommunity: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("members = %d, want 1", len(members))
	}
	if !members[0].JoinedAt.Equal(first) {
		t.Fatalf("JoinedAt = %v, want %v", members[0].JoinedAt, first)
	}
	if members[0].Username != "ada_l" {
		t.Fatalf("Username = %q, want refreshed value", members[0].Username)
	}
}

func TestMemoryLogsNewestFirstAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.CreateLog(ctx, MessageLog{
			CampaignID: int64(1 + i%2),
			UserID:     int64(100 + i),
			Status:     DeliverySuccess,
			At:         base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("CreateLog: %v", err)
		}
	}

	logs, err := s.Logs(ctx, 3)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("len = %d, want 3", len(logs))
	}
	if logs[0].UserID != 104 || logs[2].UserID != 102 {
		t.Fatalf("order wrong: %+v", logs)
	}

	byCampaign, err := s.LogsByCampaign(ctx, 1, 0)
	if err != nil {
		t.Fatalf("LogsByCampaign: %v", err)
	}
	for _, l := range byCampaign {
		if l.CampaignID != 1 {
			t.Fatalf("got campaign %d in filtered result", l.CampaignID)
		}
	}

	removed, err := s.PruneLogs(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PruneLogs: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	rest, _ := s.Logs(ctx, 0)
	if len(rest) != 3 {
		t.Fatalf("remaining = %d, want 3", len(rest))
	}
}

func TestMemoryRatePolicySeededAndUpdatable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemory()

	p, ok, err := s.RatePolicy(ctx)
	if err != nil {
		t.Fatalf("RatePolicy: %v", err)
	}
	if !ok {
		t.Fatal("expected seeded policy")
	}
	if p.MessagesPerMinute != 5 || p.CooldownSeconds != 15 || p.MaxQueueSize != 10000 {
		t.Fatalf("seeded policy = %+v", p)
	}

	set, err := s.SetRatePolicy(ctx, RatePolicy{MessagesPerMinute: 12, CooldownSeconds: 5, MaxQueueSize: 500})
	if err != nil {
		t.Fatalf("SetRatePolicy: %v", err)
	}
	if set.UpdatedAt.IsZero() {
		t.Fatal("expected UpdatedAt stamp")
	}
	got, _, _ := s.RatePolicy(ctx)
	if got.MessagesPerMinute != 12 {
		t.Fatalf("policy after set = %+v", got)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	t.Parallel()

	cases := []struct {
		driver  string
		wantErr bool
	}{
		{"", false},
		{"memory", false},
		{"MEM", false},
		{"postgres", true},
	}
	for _, tc := range cases {
		s, err := Open(Config{Driver: tc.driver}, logx.Nop())
		if tc.wantErr {
			if err == nil {
				t.Fatalf("driver %q: expected error", tc.driver)
			}
			continue
		}
		if err != nil {
			t.Fatalf("driver %q: %v", tc.driver, err)
		}
		_ = s.Close()
	}
}
