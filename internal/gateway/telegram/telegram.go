// Package telegram adapts the Telegram Bot API to the gateway contract.
//
// Telegram offers no way to enumerate group members, so the adapter
// maintains a roster in the store from what it observes: join/leave
// service messages and ordinary group traffic. ListMembers serves from
// that roster.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"herald/internal/gateway"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// GlobalRatePerSec caps outbound API calls across all campaigns.
	// Telegram enforces roughly 30 messages per second bot-wide; the
	// default stays under that.
	GlobalRatePerSec float64
}

// Roster is the store slice the adapter writes membership into.
type Roster interface {
	UpsertCommunity(ctx context.Context, c store.Community) error
	Community(ctx context.Context, id int64) (store.Community, error)
	UpsertMember(ctx context.Context, m store.Member) error
	MembersByCommunity(ctx context.Context, communityID int64) ([]store.Member, error)
}

type Adapter struct {
	cfg    Config
	log    logx.Logger
	roster Roster

	bot   *tele.Bot
	guard *rate.Limiter

	ready     atomic.Bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool
}

func New(cfg Config, roster Roster, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perSec := cfg.GlobalRatePerSec
	if perSec <= 0 {
		perSec = 25
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		log:    log,
		roster: roster,
		bot:    b,
		guard:  rate.NewLimiter(rate.Limit(perSec), 1),
	}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.observe(rctx, c.Chat(), c.Sender())
		return nil
	})
	a.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		for _, u := range m.UsersJoined {
			u := u
			a.observeJoin(rctx, c.Chat(), &u)
		}
		return nil
	})
	a.bot.Handle(tele.OnUserLeft, func(c tele.Context) error {
		// Departed members stay in the roster; campaigns target by
		// last-seen activity so stale rows age out of "active" naturally.
		return nil
	})
	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		a.registerCommunity(rctx, c.Chat(), true)
		return nil
	})

	// Periodic admin sweep keeps the role column usable for targeting.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				a.refreshAdmins(rctx)
			}
		}
	}()

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.ready.Store(true)
		a.log.Info("polling started", logx.String("bot", a.bot.Me.Username))
		a.bot.Start() // blocks until Stop() called
		a.ready.Store(false)
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	a.ready.Store(false)
	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	go a.bot.Stop()

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) Ready() bool { return a.ready.Load() }

func (a *Adapter) ListMembers(ctx context.Context, communityID int64) ([]gateway.Member, error) {
	if !a.Ready() {
		return nil, gateway.ErrNotReady
	}
	if _, err := a.roster.Community(ctx, communityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, gateway.ErrUnknownCommunity
		}
		return nil, err
	}
	rows, err := a.roster.MembersByCommunity(ctx, communityID)
	if err != nil {
		return nil, err
	}
	out := make([]gateway.Member, 0, len(rows))
	for _, m := range rows {
		out = append(out, gateway.Member{
			ID:          m.UserID,
			Username:    m.Username,
			DisplayName: m.DisplayName,
			Roles:       m.Roles,
			JoinedAt:    m.JoinedAt,
			IsBot:       m.IsBot,
		})
	}
	return out, nil
}

func (a *Adapter) SendDM(ctx context.Context, userID int64, text string) error {
	if !a.Ready() {
		return gateway.ErrNotReady
	}
	if err := a.guard.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.User{ID: userID}, text)
	if err != nil && recipientUnavailable(err) {
		return errors.Join(gateway.ErrRecipientUnavailable, err)
	}
	return err
}

// recipientUnavailable reports whether the API error means this user can
// never receive a DM from the bot.
func recipientUnavailable(err error) bool {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound):
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blocked by the user") ||
		strings.Contains(msg, "user is deactivated") ||
		strings.Contains(msg, "can't initiate conversation") ||
		strings.Contains(msg, "chat not found")
}

// ---- roster maintenance ----

func (a *Adapter) observe(ctx context.Context, chat *tele.Chat, from *tele.User) {
	if chat == nil || from == nil || chat.Type == tele.ChatPrivate {
		return
	}
	a.registerCommunity(ctx, chat, true)
	now := time.Now()
	err := a.roster.UpsertMember(ctx, store.Member{
		CommunityID: chat.ID,
		UserID:      from.ID,
		Username:    from.Username,
		DisplayName: displayName(from),
		IsBot:       from.IsBot,
		JoinedAt:    now, // kept only on first sighting
		LastSeenAt:  now,
	})
	if err != nil {
		a.log.Warn("roster upsert failed", logx.Int64("chat", chat.ID), logx.Err(err))
	}
}

func (a *Adapter) observeJoin(ctx context.Context, chat *tele.Chat, u *tele.User) {
	if chat == nil || u == nil {
		return
	}
	a.registerCommunity(ctx, chat, true)
	now := time.Now()
	err := a.roster.UpsertMember(ctx, store.Member{
		CommunityID: chat.ID,
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: displayName(u),
		IsBot:       u.IsBot,
		JoinedAt:    now,
		LastSeenAt:  now,
	})
	if err != nil {
		a.log.Warn("roster join upsert failed", logx.Int64("chat", chat.ID), logx.Err(err))
	}
}

func (a *Adapter) registerCommunity(ctx context.Context, chat *tele.Chat, connected bool) {
	if chat == nil {
		return
	}
	members, _ := a.roster.MembersByCommunity(ctx, chat.ID)
	err := a.roster.UpsertCommunity(ctx, store.Community{
		ID:          chat.ID,
		Title:       chat.Title,
		MemberCount: len(members),
		Connected:   connected,
	})
	if err != nil {
		a.log.Warn("community upsert failed", logx.Int64("chat", chat.ID), logx.Err(err))
	}
}

func (a *Adapter) refreshAdmins(ctx context.Context) {
	communities, err := a.listKnownCommunities(ctx)
	if err != nil {
		return
	}
	for _, c := range communities {
		admins, err := a.bot.AdminsOf(&tele.Chat{ID: c.ID})
		if err != nil {
			a.log.Debug("admin refresh failed", logx.Int64("chat", c.ID), logx.Err(err))
			continue
		}
		for _, cm := range admins {
			if cm.User == nil {
				continue
			}
			_ = a.roster.UpsertMember(ctx, store.Member{
				CommunityID: c.ID,
				UserID:      cm.User.ID,
				Username:    cm.User.Username,
				DisplayName: displayName(cm.User),
				Roles:       []string{"admin"},
				IsBot:       cm.User.IsBot,
				LastSeenAt:  time.Now(),
			})
		}
	}
}

func (a *Adapter) listKnownCommunities(ctx context.Context) ([]store.Community, error) {
	type lister interface {
		Communities(ctx context.Context) ([]store.Community, error)
	}
	if l, ok := a.roster.(lister); ok {
		return l.Communities(ctx)
	}
	return nil, nil
}

func displayName(u *tele.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
