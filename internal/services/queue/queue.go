// Package queue holds pending per-recipient sends for all campaigns in a
// single bounded FIFO and drains them at the admitted rate.
//
// One shared queue with one drain goroutine enforces the single global
// rate ceiling structurally. Per-campaign queues would need cross-queue
// coordination to get the same guarantee.
package queue

import (
	"context"
	"errors"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"herald/internal/eventbus"
	"herald/internal/gateway"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

var (
	// ErrCampaignNotRunning rejects enqueue for campaigns whose status is
	// anything but running.
	ErrCampaignNotRunning = errors.New("campaign is not running")

	// ErrQueueFull rejects enqueue once the policy's max queue size is
	// reached.
	ErrQueueFull = errors.New("queue is full")

	// ErrNoRatePolicy rejects enqueue when no rate policy is configured.
	ErrNoRatePolicy = errors.New("rate limit policy not configured")
)

// Item is one pending delivery. Owned exclusively by the queue from
// enqueue until popped.
type Item struct {
	CampaignID    int64
	RecipientID   int64
	RecipientName string
	Content       string
	EnqueuedAt    time.Time
}

// Store is the persistence slice the queue needs. Satisfied by store.Store.
type Store interface {
	Campaign(ctx context.Context, id int64) (store.Campaign, error)
	UpdateCampaign(ctx context.Context, id int64, mutate func(*store.Campaign)) (store.Campaign, error)
	RatePolicy(ctx context.Context) (store.RatePolicy, bool, error)
	CreateLog(ctx context.Context, l store.MessageLog) (store.MessageLog, error)
}

// Limiter is the admission decision the drain loop consults per item.
type Limiter interface {
	CanSend(ctx context.Context) bool
	RecordSent()
}

// Sender delivers one direct message.
type Sender interface {
	SendDM(ctx context.Context, userID int64, text string) error
}

type Config struct {
	IdleDelay    time.Duration // empty-queue wait between ticks
	SkipDelay    time.Duration // near-immediate retick after a dropped item
	ErrorBackoff time.Duration // wait after an unexpected tick error
}

func (c *Config) applyDefaults() {
	if c.IdleDelay <= 0 {
		c.IdleDelay = 5 * time.Second
	}
	if c.SkipDelay <= 0 {
		c.SkipDelay = 100 * time.Millisecond
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
}

// Queue is the shared dispatch queue.
//
// The drain loop is an explicit state machine (stopped, idle, draining)
// driven by a single goroutine: each tick runs to completion and decides
// the delay before the next one, so two ticks never overlap.
type Queue struct {
	cfg    Config
	st     Store
	lim    Limiter
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	now func() time.Time

	mu       sync.Mutex
	items    []Item
	running  bool
	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(cfg Config, st Store, lim Limiter, sender Sender, bus eventbus.Bus, log logx.Logger) *Queue {
	cfg.applyDefaults()
	return &Queue{
		cfg:    cfg,
		st:     st,
		lim:    lim,
		sender: sender,
		bus:    bus,
		log:    log.With(logx.String("comp", "queue")),
		now:    time.Now,
	}
}

// Enqueue validates and appends one pending send. This is the only
// mutation path into the queue besides ClearQueue.
//
// Returns store.ErrNotFound, ErrCampaignNotRunning, ErrNoRatePolicy or
// ErrQueueFull; on any failure the queue and campaign are untouched.
func (q *Queue) Enqueue(ctx context.Context, campaignID, recipientID int64, recipientName, content string) error {
	c, err := q.st.Campaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.Status != store.StatusRunning {
		return ErrCampaignNotRunning
	}
	policy, ok, err := q.st.RatePolicy(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoRatePolicy
	}

	q.mu.Lock()
	if policy.MaxQueueSize > 0 && len(q.items) >= policy.MaxQueueSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, Item{
		CampaignID:    campaignID,
		RecipientID:   recipientID,
		RecipientName: recipientName,
		Content:       content,
		EnqueuedAt:    q.now(),
	})
	q.mu.Unlock()

	_, err = q.st.UpdateCampaign(ctx, campaignID, func(c *store.Campaign) {
		c.MessagesQueued++
	})
	return err
}

// StartProcessing launches the drain loop. Idempotent.
func (q *Queue) StartProcessing(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.stopDone = make(chan struct{})
	go q.run(ctx, q.stopCh, q.stopDone)
	q.log.Info("drain loop started")
}

// StopProcessing halts the drain loop and waits for the in-flight tick to
// finish. Queued items stay queued; a later StartProcessing resumes from
// where it left off. Idempotent.
func (q *Queue) StopProcessing() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stopCh, stopDone := q.stopCh, q.stopDone
	q.mu.Unlock()

	close(stopCh)
	<-stopDone
	q.log.Info("drain loop stopped", logx.Int("remaining", q.Len()))
}

// ClearQueue discards every pending item regardless of owning campaign
// and returns how many were removed.
func (q *Queue) ClearQueue() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Len reports the number of not-yet-popped items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) run(ctx context.Context, stopCh <-chan struct{}, stopDone chan<- struct{}) {
	defer close(stopDone)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-timer.C:
			timer.Reset(q.tick(ctx))
		}
	}
}

// tick wraps drainOnce with panic recovery so a bug in one item's
// bookkeeping cannot kill the loop.
func (q *Queue) tick(ctx context.Context) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("drain tick panicked",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			delay = q.cfg.ErrorBackoff
		}
	}()
	return q.drainOnce(ctx)
}

// drainOnce processes at most one item and returns the delay before the
// next tick. Every branch has a defined recovery action; the loop is
// never fatal.
func (q *Queue) drainOnce(ctx context.Context) time.Duration {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return q.cfg.IdleDelay
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()

	policy, ok, err := q.st.RatePolicy(ctx)
	if err != nil {
		q.log.Warn("rate policy read failed", logx.Err(err))
		q.restoreHead(item)
		return q.cfg.ErrorBackoff
	}
	if !ok {
		policy = store.DefaultRatePolicy
	}

	// Admission. A refusal pushes the item back to the head so order is
	// preserved, then waits out the cooldown.
	if !q.lim.CanSend(ctx) {
		q.restoreHead(item)
		cooldown := time.Duration(policy.CooldownSeconds) * time.Second
		if cooldown <= 0 {
			cooldown = time.Duration(store.DefaultRatePolicy.CooldownSeconds) * time.Second
		}
		q.log.Debug("throttled", logx.Int64("campaign", item.CampaignID), logx.Duration("cooldown", cooldown))
		return cooldown
	}

	// The owning campaign may have been paused, stopped or deleted since
	// enqueue. Such items are dropped for good, with a skipped record.
	c, err := q.st.Campaign(ctx, item.CampaignID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		q.logOutcome(ctx, item, store.DeliverySkipped, "campaign no longer exists")
		return q.cfg.SkipDelay
	case err != nil:
		q.restoreHead(item)
		return q.cfg.ErrorBackoff
	case c.Status != store.StatusRunning:
		q.logOutcome(ctx, item, store.DeliverySkipped, "campaign no longer running")
		return q.cfg.SkipDelay
	}

	sendErr := q.sender.SendDM(ctx, item.RecipientID, item.Content)
	if sendErr != nil && errors.Is(sendErr, gateway.ErrNotReady) {
		// Platform connection is down; nothing was consumed. Retry the
		// same item after backoff.
		q.restoreHead(item)
		q.log.Warn("dispatch channel unavailable", logx.Int64("campaign", item.CampaignID))
		return q.cfg.ErrorBackoff
	}

	// Success or delivery failure: either way the attempt consumed a rate
	// slot and the item is spent.
	q.lim.RecordSent()

	outcome := store.DeliverySuccess
	reason := ""
	if sendErr != nil {
		outcome = store.DeliveryFailed
		reason = sendErr.Error()
	}
	q.logOutcome(ctx, item, outcome, reason)

	updated, err := q.st.UpdateCampaign(ctx, item.CampaignID, func(c *store.Campaign) {
		if outcome == store.DeliverySuccess {
			c.MessagesSent++
		} else {
			c.MessagesFailed++
		}
		if c.MessagesQueued > 0 {
			c.MessagesQueued--
		}
		if c.TotalMembers > 0 && c.MessagesSent+c.MessagesFailed >= c.TotalMembers && c.Status == store.StatusRunning {
			c.Status = store.StatusCompleted
			done := q.now()
			c.CompletedAt = &done
		}
	})
	if err != nil {
		// The attempt happened and is logged; the counters are the only
		// loss. Do not resend the item.
		q.log.Warn("campaign counter update failed", logx.Int64("campaign", item.CampaignID), logx.Err(err))
	} else if updated.Status == store.StatusCompleted && updated.CompletedAt != nil {
		q.publish(eventbus.EventCampaignCompleted, CampaignEvent{CampaignID: updated.ID, Name: updated.Name})
		q.log.Info("campaign completed",
			logx.Int64("campaign", updated.ID),
			logx.Int("sent", updated.MessagesSent),
			logx.Int("failed", updated.MessagesFailed))
	}

	return pacing(policy.MessagesPerMinute)
}

func (q *Queue) restoreHead(item Item) {
	q.mu.Lock()
	q.items = append([]Item{item}, q.items...)
	q.mu.Unlock()
}

func (q *Queue) logOutcome(ctx context.Context, item Item, status store.DeliveryStatus, reason string) {
	_, err := q.st.CreateLog(ctx, store.MessageLog{
		CampaignID: item.CampaignID,
		UserID:     item.RecipientID,
		Username:   item.RecipientName,
		Status:     status,
		Error:      reason,
		At:         q.now(),
	})
	if err != nil {
		q.log.Warn("message log write failed", logx.Int64("campaign", item.CampaignID), logx.Err(err))
	}

	switch status {
	case store.DeliverySuccess:
		q.publish(eventbus.EventMessageSent, MessageEvent{CampaignID: item.CampaignID, RecipientID: item.RecipientID, Recipient: item.RecipientName})
	case store.DeliveryFailed:
		q.publish(eventbus.EventMessageFailed, MessageEvent{CampaignID: item.CampaignID, RecipientID: item.RecipientID, Recipient: item.RecipientName, Reason: reason})
	case store.DeliverySkipped:
		q.publish(eventbus.EventMessageSkipped, MessageEvent{CampaignID: item.CampaignID, RecipientID: item.RecipientID, Recipient: item.RecipientName, Reason: reason})
	}
}

func (q *Queue) publish(typ string, data any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// MessageEvent is the bus payload for per-message outcomes.
type MessageEvent struct {
	CampaignID  int64  `json:"campaignId"`
	RecipientID int64  `json:"recipientId"`
	Recipient   string `json:"recipient"`
	Reason      string `json:"reason,omitempty"`
}

// CampaignEvent is the bus payload for campaign state changes.
type CampaignEvent struct {
	CampaignID int64  `json:"campaignId"`
	Name       string `json:"name"`
}

// pacing spreads sends evenly across the minute.
func pacing(perMinute int) time.Duration {
	if perMinute <= 0 {
		perMinute = store.DefaultRatePolicy.MessagesPerMinute
	}
	ms := math.Ceil(60000 / float64(perMinute))
	return time.Duration(ms) * time.Millisecond
}
