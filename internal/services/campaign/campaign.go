// Package campaign implements the campaign lifecycle state machine:
// draft, running, paused, completed, stopped, and the side effects of
// each transition.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herald/internal/eventbus"
	"herald/internal/gateway"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// ErrInvalidTransition rejects a requested status change the state
// machine does not allow from the campaign's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// newMemberWindow bounds the "new" target mode: members who joined
// within this much of resolution time.
const newMemberWindow = 7 * 24 * time.Hour

// Store is the persistence slice the lifecycle needs.
type Store interface {
	Campaign(ctx context.Context, id int64) (store.Campaign, error)
	UpdateCampaign(ctx context.Context, id int64, mutate func(*store.Campaign)) (store.Campaign, error)
	CampaignsByStatus(ctx context.Context, status store.CampaignStatus) ([]store.Campaign, error)
	Template(ctx context.Context, id int64) (store.MessageTemplate, error)
	Community(ctx context.Context, id int64) (store.Community, error)
	CreateLog(ctx context.Context, l store.MessageLog) (store.MessageLog, error)
}

// Resolver is the gateway slice used to resolve recipients.
type Resolver interface {
	Ready() bool
	ListMembers(ctx context.Context, communityID int64) ([]gateway.Member, error)
}

// Dispatcher is the queue slice driven by transitions.
type Dispatcher interface {
	Enqueue(ctx context.Context, campaignID, recipientID int64, recipientName, content string) error
	ClearQueue() int
	StartProcessing(ctx context.Context)
}

type Service struct {
	st  Store
	gw  Resolver
	q   Dispatcher
	bus eventbus.Bus
	log logx.Logger

	now func() time.Time
}

func New(st Store, gw Resolver, q Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		st:  st,
		gw:  gw,
		q:   q,
		bus: bus,
		log: log.With(logx.String("comp", "campaign")),
		now: time.Now,
	}
}

// Transition moves a campaign to the desired status, applying the side
// effects of the state machine. It returns the updated campaign.
//
// Allowed requests: draft->running (start), paused->running (resume),
// running->paused (pause), running/paused->stopped (stop). Everything
// else fails with ErrInvalidTransition. The completed status is reached
// automatically by the drain loop, never by request.
func (s *Service) Transition(ctx context.Context, id int64, desired store.CampaignStatus) (store.Campaign, error) {
	c, err := s.st.Campaign(ctx, id)
	if err != nil {
		return store.Campaign{}, err
	}

	switch desired {
	case store.StatusRunning:
		switch c.Status {
		case store.StatusDraft:
			return s.start(ctx, c)
		case store.StatusPaused:
			return s.resume(ctx, c)
		}
	case store.StatusPaused:
		if c.Status == store.StatusRunning {
			return s.pause(ctx, c)
		}
	case store.StatusStopped:
		if c.Status == store.StatusRunning || c.Status == store.StatusPaused {
			return s.stop(ctx, c)
		}
	}
	return store.Campaign{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, desired)
}

// start resolves the recipient set, enqueues one message per target and
// launches the drain loop. A resolution failure force-stops the campaign
// so no half-started state survives.
func (s *Service) start(ctx context.Context, c store.Campaign) (store.Campaign, error) {
	members, err := s.gw.ListMembers(ctx, c.CommunityID)
	if err != nil {
		return s.forceStop(ctx, c.ID, fmt.Errorf("resolving recipients: %w", err))
	}
	tmpl, err := s.st.Template(ctx, c.TemplateID)
	if err != nil {
		return s.forceStop(ctx, c.ID, fmt.Errorf("loading template %d: %w", c.TemplateID, err))
	}

	communityName := ""
	if community, err := s.st.Community(ctx, c.CommunityID); err == nil {
		communityName = community.Title
	}

	targets := selectTargets(members, c.TargetMode, c.TargetRole, s.now())

	// Status first: the queue only accepts items for running campaigns,
	// and totalMembers is fixed from here on.
	started := s.now()
	updated, err := s.st.UpdateCampaign(ctx, c.ID, func(c *store.Campaign) {
		c.Status = store.StatusRunning
		c.TotalMembers = len(targets)
		c.StartedAt = &started
	})
	if err != nil {
		return store.Campaign{}, err
	}

	for _, m := range targets {
		content := Render(tmpl.Content, recipientName(m), communityName)
		if err := s.q.Enqueue(ctx, c.ID, m.ID, recipientName(m), content); err != nil {
			s.log.Warn("enqueue failed; target skipped",
				logx.Int64("campaign", c.ID),
				logx.Int64("recipient", m.ID),
				logx.Err(err))
			_, logErr := s.st.CreateLog(ctx, store.MessageLog{
				CampaignID: c.ID,
				UserID:     m.ID,
				Username:   recipientName(m),
				Status:     store.DeliverySkipped,
				Error:      "enqueue failed: " + err.Error(),
				At:         s.now(),
			})
			if logErr != nil {
				s.log.Warn("skip log write failed", logx.Int64("campaign", c.ID), logx.Err(logErr))
			}
		}
	}

	if len(targets) == 0 {
		// Nothing to send; sent+failed (0) already covers totalMembers.
		done := s.now()
		return s.st.UpdateCampaign(ctx, c.ID, func(c *store.Campaign) {
			c.Status = store.StatusCompleted
			c.CompletedAt = &done
		})
	}

	s.q.StartProcessing(ctx)
	s.publish(eventbus.EventCampaignStarted, updated)
	s.log.Info("campaign started",
		logx.Int64("campaign", c.ID),
		logx.String("name", c.Name),
		logx.Int("targets", len(targets)))
	return s.st.Campaign(ctx, c.ID)
}

func (s *Service) pause(ctx context.Context, c store.Campaign) (store.Campaign, error) {
	updated, err := s.st.UpdateCampaign(ctx, c.ID, func(c *store.Campaign) {
		c.Status = store.StatusPaused
	})
	if err != nil {
		return store.Campaign{}, err
	}
	s.publish(eventbus.EventCampaignPaused, updated)
	s.log.Info("campaign paused", logx.Int64("campaign", c.ID))
	return updated, nil
}

func (s *Service) resume(ctx context.Context, c store.Campaign) (store.Campaign, error) {
	updated, err := s.st.UpdateCampaign(ctx, c.ID, func(c *store.Campaign) {
		c.Status = store.StatusRunning
	})
	if err != nil {
		return store.Campaign{}, err
	}
	s.publish(eventbus.EventCampaignResumed, updated)
	s.log.Info("campaign resumed", logx.Int64("campaign", c.ID))
	return updated, nil
}

// stop clears the entire shared queue. With concurrent campaigns this
// also discards their pending items; see DESIGN.md.
func (s *Service) stop(ctx context.Context, c store.Campaign) (store.Campaign, error) {
	cleared := s.q.ClearQueue()
	done := s.now()
	updated, err := s.st.UpdateCampaign(ctx, c.ID, func(c *store.Campaign) {
		c.Status = store.StatusStopped
		c.CompletedAt = &done
		c.MessagesQueued = 0
	})
	if err != nil {
		return store.Campaign{}, err
	}
	s.publish(eventbus.EventCampaignStopped, updated)
	s.log.Info("campaign stopped", logx.Int64("campaign", c.ID), logx.Int("cleared", cleared))
	return updated, nil
}

func (s *Service) forceStop(ctx context.Context, id int64, cause error) (store.Campaign, error) {
	done := s.now()
	if _, err := s.st.UpdateCampaign(ctx, id, func(c *store.Campaign) {
		c.Status = store.StatusStopped
		c.CompletedAt = &done
	}); err != nil {
		s.log.Error("force stop failed", logx.Int64("campaign", id), logx.Err(err))
	}
	s.log.Error("campaign start failed", logx.Int64("campaign", id), logx.Err(cause))
	return store.Campaign{}, cause
}

// StartDue starts draft campaigns whose scheduled time has passed.
// Called by the janitor sweep; each start is an ordinary draft->running
// transition.
func (s *Service) StartDue(ctx context.Context) int {
	drafts, err := s.st.CampaignsByStatus(ctx, store.StatusDraft)
	if err != nil {
		s.log.Warn("scheduled sweep failed", logx.Err(err))
		return 0
	}
	now := s.now()
	started := 0
	for _, c := range drafts {
		if c.ScheduledAt == nil || c.ScheduledAt.After(now) {
			continue
		}
		if _, err := s.Transition(ctx, c.ID, store.StatusRunning); err != nil {
			s.log.Warn("scheduled start failed", logx.Int64("campaign", c.ID), logx.Err(err))
			continue
		}
		started++
	}
	return started
}

func (s *Service) publish(typ string, c store.Campaign) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{
		"campaignId": c.ID,
		"name":       c.Name,
		"status":     string(c.Status),
	}})
}

// selectTargets applies the target mode filter, then drops automated
// accounts. The "active" mode is intentionally identical to "all": no
// presence data is available at this layer.
func selectTargets(members []gateway.Member, mode store.TargetMode, role string, now time.Time) []gateway.Member {
	out := make([]gateway.Member, 0, len(members))
	for _, m := range members {
		switch mode {
		case store.TargetRole:
			if !hasRole(m, role) {
				continue
			}
		case store.TargetNew:
			if m.JoinedAt.IsZero() || now.Sub(m.JoinedAt) > newMemberWindow {
				continue
			}
		case store.TargetAll, store.TargetActive:
			// keep
		default:
			// Unknown mode targets nobody rather than everybody.
			continue
		}
		if m.IsBot {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasRole(m gateway.Member, role string) bool {
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func recipientName(m gateway.Member) string {
	if m.Username != "" {
		return m.Username
	}
	return m.DisplayName
}
