package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "herald/pkg/logx"
)

// Store is the persistence API used by the gateway, the dispatch core,
// and the operational HTTP surface.
//
// Implementations guarantee per-record atomicity. Campaign mutation goes
// through UpdateCampaign's read-modify-write callback so concurrent
// control operations (pause racing a counter increment) cannot lose
// updates. No multi-record transactional guarantee is provided.
type Store interface {
	// Communities
	Communities(ctx context.Context) ([]Community, error)
	Community(ctx context.Context, id int64) (Community, error)
	UpsertCommunity(ctx context.Context, c Community) error

	// Members (gateway roster)
	UpsertMember(ctx context.Context, m Member) error
	MembersByCommunity(ctx context.Context, communityID int64) ([]Member, error)

	// Templates
	Templates(ctx context.Context) ([]MessageTemplate, error)
	Template(ctx context.Context, id int64) (MessageTemplate, error)
	CreateTemplate(ctx context.Context, t MessageTemplate) (MessageTemplate, error)
	UpdateTemplate(ctx context.Context, id int64, name, content string) (MessageTemplate, error)
	DeleteTemplate(ctx context.Context, id int64) error

	// Campaigns
	Campaigns(ctx context.Context) ([]Campaign, error)
	Campaign(ctx context.Context, id int64) (Campaign, error)
	CampaignsByStatus(ctx context.Context, status CampaignStatus) ([]Campaign, error)
	CreateCampaign(ctx context.Context, c Campaign) (Campaign, error)
	// UpdateCampaign applies mutate to the current record atomically and
	// returns the updated campaign. Returns ErrNotFound if absent.
	UpdateCampaign(ctx context.Context, id int64, mutate func(*Campaign)) (Campaign, error)
	DeleteCampaign(ctx context.Context, id int64) error

	// Message log
	CreateLog(ctx context.Context, l MessageLog) (MessageLog, error)
	Logs(ctx context.Context, limit int) ([]MessageLog, error)
	LogsByCampaign(ctx context.Context, campaignID int64, limit int) ([]MessageLog, error)
	PruneLogs(ctx context.Context, olderThan time.Time) (int64, error)

	// Rate policy
	RatePolicy(ctx context.Context) (RatePolicy, bool, error)
	SetRatePolicy(ctx context.Context, p RatePolicy) (RatePolicy, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
