package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. It is the default
// backend for development and tests; state is lost on restart.
type memoryStore struct {
	mu sync.RWMutex

	communities map[int64]Community
	members     map[int64]map[int64]Member // communityID -> userID -> member
	templates   map[int64]MessageTemplate
	campaigns   map[int64]Campaign
	logs        []MessageLog

	policy    *RatePolicy
	nextTmpl  int64
	nextCamp  int64
	nextLogID int64
}

func NewMemory() Store {
	p := DefaultRatePolicy
	p.UpdatedAt = time.Now()
	return &memoryStore{
		communities: map[int64]Community{},
		members:     map[int64]map[int64]Member{},
		templates:   map[int64]MessageTemplate{},
		campaigns:   map[int64]Campaign{},
		policy:      &p,
		nextTmpl:    1,
		nextCamp:    1,
		nextLogID:   1,
	}
}

func (s *memoryStore) Close() error { return nil }

// ---- Communities ----

func (s *memoryStore) Communities(ctx context.Context) ([]Community, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Community, 0, len(s.communities))
	for _, c := range s.communities {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Community(ctx context.Context, id int64) (Community, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.communities[id]
	if !ok {
		return Community{}, ErrNotFound
	}
	return c, nil
}

func (s *memoryStore) UpsertCommunity(ctx context.Context, c Community) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities[c.ID] = c
	return nil
}

// ---- Members ----

func (s *memoryStore) UpsertMember(ctx context.Context, m Member) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser := s.members[m.CommunityID]
	if byUser == nil {
		byUser = map[int64]Member{}
		s.members[m.CommunityID] = byUser
	}
	// First sighting fixes JoinedAt; later upserts refresh the rest.
	if prev, ok := byUser[m.UserID]; ok && !prev.JoinedAt.IsZero() && m.JoinedAt.IsZero() {
		m.JoinedAt = prev.JoinedAt
	}
	byUser[m.UserID] = m
	return nil
}

func (s *memoryStore) MembersByCommunity(ctx context.Context, communityID int64) ([]Member, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser := s.members[communityID]
	out := make([]Member, 0, len(byUser))
	for _, m := range byUser {
		cp := m
		cp.Roles = append([]string(nil), m.Roles...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ---- Templates ----

func (s *memoryStore) Templates(ctx context.Context) ([]MessageTemplate, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MessageTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Template(ctx context.Context, id int64) (MessageTemplate, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return MessageTemplate{}, ErrNotFound
	}
	return t, nil
}

func (s *memoryStore) CreateTemplate(ctx context.Context, t MessageTemplate) (MessageTemplate, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.nextTmpl
	s.nextTmpl++
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.templates[t.ID] = t
	return t, nil
}

func (s *memoryStore) UpdateTemplate(ctx context.Context, id int64, name, content string) (MessageTemplate, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return MessageTemplate{}, ErrNotFound
	}
	t.Name = name
	t.Content = content
	s.templates[id] = t
	return t, nil
}

func (s *memoryStore) DeleteTemplate(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

// ---- Campaigns ----

func (s *memoryStore) Campaigns(ctx context.Context) ([]Campaign, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Campaign(ctx context.Context, id int64) (Campaign, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *memoryStore) CampaignsByStatus(ctx context.Context, status CampaignStatus) ([]Campaign, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Campaign, 0, 4)
	for _, c := range s.campaigns {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextCamp
	s.nextCamp++
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.campaigns[c.ID] = c
	return c, nil
}

func (s *memoryStore) UpdateCampaign(ctx context.Context, id int64, mutate func(*Campaign)) (Campaign, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	mutate(&c)
	s.campaigns[id] = c
	return c, nil
}

func (s *memoryStore) DeleteCampaign(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return ErrNotFound
	}
	delete(s.campaigns, id)
	return nil
}

// ---- Message log ----

func (s *memoryStore) CreateLog(ctx context.Context, l MessageLog) (MessageLog, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.nextLogID
	s.nextLogID++
	if l.At.IsZero() {
		l.At = time.Now()
	}
	s.logs = append(s.logs, l)
	return l, nil
}

func (s *memoryStore) Logs(ctx context.Context, limit int) ([]MessageLog, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.logs, limit, func(MessageLog) bool { return true }), nil
}

func (s *memoryStore) LogsByCampaign(ctx context.Context, campaignID int64, limit int) ([]MessageLog, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(s.logs, limit, func(l MessageLog) bool { return l.CampaignID == campaignID }), nil
}

func newestFirst(logs []MessageLog, limit int, keep func(MessageLog) bool) []MessageLog {
	out := make([]MessageLog, 0, 16)
	for i := len(logs) - 1; i >= 0; i-- {
		if !keep(logs[i]) {
			continue
		}
		out = append(out, logs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *memoryStore) PruneLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var removed int64
	for _, l := range s.logs {
		if l.At.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return removed, nil
}

// ---- Rate policy ----

func (s *memoryStore) RatePolicy(ctx context.Context) (RatePolicy, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.policy == nil {
		return RatePolicy{}, false, nil
	}
	return *s.policy, true, nil
}

func (s *memoryStore) SetRatePolicy(ctx context.Context, p RatePolicy) (RatePolicy, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now()
	s.policy = &p
	return p, nil
}
