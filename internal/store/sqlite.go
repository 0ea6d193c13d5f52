package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Communities ----

func (s *sqliteStore) Communities(ctx context.Context) ([]Community, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, member_count, connected FROM communities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Community
	for rows.Next() {
		var c Community
		var conn int
		if err := rows.Scan(&c.ID, &c.Title, &c.MemberCount, &conn); err != nil {
			return nil, err
		}
		c.Connected = conn != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Community(ctx context.Context, id int64) (Community, error) {
	var c Community
	var conn int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, member_count, connected FROM communities WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.MemberCount, &conn)
	if errors.Is(err, sql.ErrNoRows) {
		return Community{}, ErrNotFound
	}
	if err != nil {
		return Community{}, err
	}
	c.Connected = conn != 0
	return c, nil
}

func (s *sqliteStore) UpsertCommunity(ctx context.Context, c Community) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO communities(id, title, member_count, connected) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   member_count = excluded.member_count,
		   connected = excluded.connected`,
		c.ID, c.Title, c.MemberCount, boolInt(c.Connected))
	return err
}

// ---- Members ----

func (s *sqliteStore) UpsertMember(ctx context.Context, m Member) error {
	roles, err := json.Marshal(m.Roles)
	if err != nil {
		return err
	}
	// joined_at keeps its first recorded value; everything else refreshes.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO members(community_id, user_id, username, display_name, roles, joined_at, is_bot, last_seen_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(community_id, user_id) DO UPDATE SET
		   username = excluded.username,
		   display_name = excluded.display_name,
		   roles = excluded.roles,
		   joined_at = COALESCE(members.joined_at, excluded.joined_at),
		   is_bot = excluded.is_bot,
		   last_seen_at = excluded.last_seen_at`,
		m.CommunityID, m.UserID, m.Username, m.DisplayName, string(roles),
		nullTime(m.JoinedAt), boolInt(m.IsBot), nullTime(m.LastSeenAt))
	return err
}

func (s *sqliteStore) MembersByCommunity(ctx context.Context, communityID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT community_id, user_id, username, display_name, roles, joined_at, is_bot, last_seen_at
		 FROM members WHERE community_id = ? ORDER BY user_id`, communityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		var roles string
		var joined, seen sql.NullString
		var bot int
		if err := rows.Scan(&m.CommunityID, &m.UserID, &m.Username, &m.DisplayName, &roles, &joined, &bot, &seen); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(roles), &m.Roles); err != nil {
			m.Roles = nil
		}
		m.IsBot = bot != 0
		m.JoinedAt = parseNullTime(joined)
		m.LastSeenAt = parseNullTime(seen)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- Templates ----

func (s *sqliteStore) Templates(ctx context.Context) ([]MessageTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, content, created_at FROM templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageTemplate
	for rows.Next() {
		var t MessageTemplate
		var created string
		if err := rows.Scan(&t.ID, &t.Name, &t.Content, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Template(ctx context.Context, id int64) (MessageTemplate, error) {
	var t MessageTemplate
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content, created_at FROM templates WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageTemplate{}, ErrNotFound
	}
	if err != nil {
		return MessageTemplate{}, err
	}
	t.CreatedAt = parseTime(created)
	return t, nil
}

func (s *sqliteStore) CreateTemplate(ctx context.Context, t MessageTemplate) (MessageTemplate, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO templates(name, content, created_at) VALUES(?,?,?)`,
		t.Name, t.Content, fmtTime(t.CreatedAt))
	if err != nil {
		return MessageTemplate{}, err
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (s *sqliteStore) UpdateTemplate(ctx context.Context, id int64, name, content string) (MessageTemplate, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET name = ?, content = ? WHERE id = ?`, name, content, id)
	if err != nil {
		return MessageTemplate{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return MessageTemplate{}, ErrNotFound
	}
	return s.Template(ctx, id)
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Campaigns ----

const campaignCols = `id, name, community_id, template_id, target_mode, target_role,
	rate_limit, respect_user_settings, status, total_members,
	messages_sent, messages_queued, messages_failed,
	scheduled_at, started_at, completed_at, created_at`

func (s *sqliteStore) scanCampaign(row interface{ Scan(...any) error }) (Campaign, error) {
	var c Campaign
	var respect int
	var status, mode string
	var scheduled, started, completed sql.NullString
	var created string
	err := row.Scan(&c.ID, &c.Name, &c.CommunityID, &c.TemplateID, &mode, &c.TargetRole,
		&c.RateLimit, &respect, &status, &c.TotalMembers,
		&c.MessagesSent, &c.MessagesQueued, &c.MessagesFailed,
		&scheduled, &started, &completed, &created)
	if err != nil {
		return Campaign{}, err
	}
	c.TargetMode = TargetMode(mode)
	c.Status = CampaignStatus(status)
	c.RespectUserSettings = respect != 0
	c.ScheduledAt = parseNullTimePtr(scheduled)
	c.StartedAt = parseNullTimePtr(started)
	c.CompletedAt = parseNullTimePtr(completed)
	c.CreatedAt = parseTime(created)
	return c, nil
}

func (s *sqliteStore) Campaigns(ctx context.Context) ([]Campaign, error) {
	return s.queryCampaigns(ctx, `SELECT `+campaignCols+` FROM campaigns ORDER BY id`)
}

func (s *sqliteStore) CampaignsByStatus(ctx context.Context, status CampaignStatus) ([]Campaign, error) {
	return s.queryCampaigns(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE status = ? ORDER BY id`, string(status))
}

func (s *sqliteStore) queryCampaigns(ctx context.Context, q string, args ...any) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := s.scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Campaign(ctx context.Context, id int64) (Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := s.scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(name, community_id, template_id, target_mode, target_role,
		   rate_limit, respect_user_settings, status, total_members,
		   messages_sent, messages_queued, messages_failed,
		   scheduled_at, started_at, completed_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.Name, c.CommunityID, c.TemplateID, string(c.TargetMode), c.TargetRole,
		c.RateLimit, boolInt(c.RespectUserSettings), string(c.Status), c.TotalMembers,
		c.MessagesSent, c.MessagesQueued, c.MessagesFailed,
		nullTimePtr(c.ScheduledAt), nullTimePtr(c.StartedAt), nullTimePtr(c.CompletedAt), fmtTime(c.CreatedAt))
	if err != nil {
		return Campaign{}, err
	}
	c.ID, err = res.LastInsertId()
	return c, err
}

func (s *sqliteStore) UpdateCampaign(ctx context.Context, id int64, mutate func(*Campaign)) (Campaign, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Campaign{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := s.scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}

	mutate(&c)

	_, err = tx.ExecContext(ctx,
		`UPDATE campaigns SET
		   name = ?, community_id = ?, template_id = ?, target_mode = ?, target_role = ?,
		   rate_limit = ?, respect_user_settings = ?, status = ?, total_members = ?,
		   messages_sent = ?, messages_queued = ?, messages_failed = ?,
		   scheduled_at = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		c.Name, c.CommunityID, c.TemplateID, string(c.TargetMode), c.TargetRole,
		c.RateLimit, boolInt(c.RespectUserSettings), string(c.Status), c.TotalMembers,
		c.MessagesSent, c.MessagesQueued, c.MessagesFailed,
		nullTimePtr(c.ScheduledAt), nullTimePtr(c.StartedAt), nullTimePtr(c.CompletedAt), id)
	if err != nil {
		return Campaign{}, err
	}
	if err := tx.Commit(); err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (s *sqliteStore) DeleteCampaign(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- Message log ----

func (s *sqliteStore) CreateLog(ctx context.Context, l MessageLog) (MessageLog, error) {
	if l.At.IsZero() {
		l.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log(campaign_id, user_id, username, status, err, at) VALUES(?,?,?,?,?,?)`,
		l.CampaignID, l.UserID, l.Username, string(l.Status), nullStr(l.Error), fmtTime(l.At))
	if err != nil {
		return MessageLog{}, err
	}
	l.ID, err = res.LastInsertId()
	return l, err
}

func (s *sqliteStore) Logs(ctx context.Context, limit int) ([]MessageLog, error) {
	q := `SELECT id, campaign_id, user_id, username, status, err, at FROM message_log ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryLogs(ctx, q, args...)
}

func (s *sqliteStore) LogsByCampaign(ctx context.Context, campaignID int64, limit int) ([]MessageLog, error) {
	q := `SELECT id, campaign_id, user_id, username, status, err, at FROM message_log WHERE campaign_id = ? ORDER BY id DESC`
	args := []any{campaignID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryLogs(ctx, q, args...)
}

func (s *sqliteStore) queryLogs(ctx context.Context, q string, args ...any) ([]MessageLog, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageLog
	for rows.Next() {
		var l MessageLog
		var status string
		var errMsg sql.NullString
		var at string
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.UserID, &l.Username, &status, &errMsg, &at); err != nil {
			return nil, err
		}
		l.Status = DeliveryStatus(status)
		l.Error = errMsg.String
		l.At = parseTime(at)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_log WHERE at < ?`, fmtTime(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- Rate policy ----

func (s *sqliteStore) RatePolicy(ctx context.Context) (RatePolicy, bool, error) {
	var p RatePolicy
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages_per_minute, cooldown_seconds, max_queue_size, updated_at FROM rate_policy WHERE id = 1`).
		Scan(&p.MessagesPerMinute, &p.CooldownSeconds, &p.MaxQueueSize, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return RatePolicy{}, false, nil
	}
	if err != nil {
		return RatePolicy{}, false, err
	}
	p.UpdatedAt = parseTime(updated)
	return p, true, nil
}

func (s *sqliteStore) SetRatePolicy(ctx context.Context, p RatePolicy) (RatePolicy, error) {
	p.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_policy(id, messages_per_minute, cooldown_seconds, max_queue_size, updated_at)
		 VALUES(1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   messages_per_minute = excluded.messages_per_minute,
		   cooldown_seconds = excluded.cooldown_seconds,
		   max_queue_size = excluded.max_queue_size,
		   updated_at = excluded.updated_at`,
		p.MessagesPerMinute, p.CooldownSeconds, p.MaxQueueSize, fmtTime(p.UpdatedAt))
	return p, err
}

// ---- helpers ----

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func nullTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return parseTime(s.String)
}

func parseNullTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
