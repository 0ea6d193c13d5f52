package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"herald/internal/store"
)

const defaultLogLimit = 100

func parseID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLogLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultLogLimit
	}
	return n
}

// ---- status ----

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"connected":     s.gate.Ready(),
		"queueLength":   s.queue.Len(),
		"ratePerMinute": s.rate.RatePerMinute(),
		"rateUsage":     s.rate.UsageFraction(r.Context()),
	})
}

// ---- communities ----

type communityDTO struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	MemberCount int    `json:"memberCount"`
	Connected   bool   `json:"connected"`
}

func (s *Server) handleListCommunities(w http.ResponseWriter, r *http.Request) {
	communities, err := s.st.Communities(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]communityDTO, 0, len(communities))
	for _, c := range communities {
		out = append(out, communityDTO{ID: c.ID, Title: c.Title, MemberCount: c.MemberCount, Connected: c.Connected})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type memberDTO struct {
	UserID      int64      `json:"userId"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName"`
	Roles       []string   `json:"roles"`
	JoinedAt    *time.Time `json:"joinedAt,omitempty"`
	IsBot       bool       `json:"isBot"`
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		s.badRequest(w, "invalid community id")
		return
	}
	if _, err := s.st.Community(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	members, err := s.st.MembersByCommunity(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]memberDTO, 0, len(members))
	for _, m := range members {
		d := memberDTO{UserID: m.UserID, Username: m.Username, DisplayName: m.DisplayName, Roles: m.Roles, IsBot: m.IsBot}
		if !m.JoinedAt.IsZero() {
			t := m.JoinedAt
			d.JoinedAt = &t
		}
		out = append(out, d)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// ---- templates ----

type templateDTO struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func templateToDTO(t store.MessageTemplate) templateDTO {
	return templateDTO{ID: t.ID, Name: t.Name, Content: t.Content, CreatedAt: t.CreatedAt}
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.st.Templates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]templateDTO, 0, len(templates))
	for _, t := range templates {
		out = append(out, templateToDTO(t))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type templateRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if req.Name == "" || req.Content == "" {
		s.badRequest(w, "name and content are required")
		return
	}
	t, err := s.st.CreateTemplate(r.Context(), store.MessageTemplate{Name: req.Name, Content: req.Content})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, templateToDTO(t))
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		s.badRequest(w, "invalid template id")
		return
	}
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if req.Name == "" || req.Content == "" {
		s.badRequest(w, "name and content are required")
		return
	}
	t, err := s.st.UpdateTemplate(r.Context(), id, req.Name, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, templateToDTO(t))
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		s.badRequest(w, "invalid template id")
		return
	}
	if err := s.st.DeleteTemplate(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- campaigns ----

type campaignDTO struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	CommunityID         int64      `json:"communityId"`
	TemplateID          int64      `json:"templateId"`
	TargetMode          string     `json:"targetMode"`
	TargetRole          string     `json:"targetRole,omitempty"`
	RateLimit           int        `json:"rateLimit,omitempty"`
	RespectUserSettings bool       `json:"respectUserSettings"`
	Status              string     `json:"status"`
	TotalMembers        int        `json:"totalMembers"`
	MessagesSent        int        `json:"messagesSent"`
	MessagesQueued      int        `json:"messagesQueued"`
	MessagesFailed      int        `json:"messagesFailed"`
	ScheduledAt         *time.Time `json:"scheduledAt,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

func campaignToDTO(c store.Campaign) campaignDTO {
	return campaignDTO{
		ID:                  c.ID,
		Name:                c.Name,
		CommunityID:         c.CommunityID,
		TemplateID:          c.TemplateID,
		TargetMode:          string(c.TargetMode),
		TargetRole:          c.TargetRole,
		RateLimit:           c.RateLimit,
		RespectUserSettings: c.RespectUserSettings,
		Status:              string(c.Status),
		TotalMembers:        c.TotalMembers,
		MessagesSent:        c.MessagesSent,
		MessagesQueued:      c.MessagesQueued,
		MessagesFailed:      c.MessagesFailed,
		ScheduledAt:         c.ScheduledAt,
		StartedAt:           c.StartedAt,
		CompletedAt:         c.CompletedAt,
		CreatedAt:           c.CreatedAt,
	}
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	var (
		campaigns []store.Campaign
		err       error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := store.CampaignStatus(raw)
		if !status.Valid() {
			s.badRequest(w, "invalid status filter")
			return
		}
		campaigns, err = s.st.CampaignsByStatus(r.Context(), status)
	} else {
		campaigns, err = s.st.Campaigns(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]campaignDTO, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, campaignToDTO(c))
	}
	s.writeJSON(w, http.StatusOK, out)
}

type createCampaignRequest struct {
	Name                string     `json:"name"`
	CommunityID         int64      `json:"communityId"`
	TemplateID          int64      `json:"templateId"`
	TargetMode          string     `json:"targetMode"`
	TargetRole          string     `json:"targetRole"`
	RateLimit           int        `json:"rateLimit"`
	RespectUserSettings *bool      `json:"respectUserSettings"`
	ScheduledAt         *time.Time `json:"scheduledAt"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if req.Name == "" || req.CommunityID == 0 || req.TemplateID == 0 {
		s.badRequest(w, "name, communityId and templateId are required")
		return
	}
	mode := store.TargetMode(req.TargetMode)
	if req.TargetMode == "" {
		mode = store.TargetAll
	}
	if !mode.Valid() {
		s.badRequest(w, "invalid target mode")
		return
	}
	if mode == store.TargetRole && req.TargetRole == "" {
		s.badRequest(w, "targetRole is required for role targeting")
		return
	}
	// The template must exist up front; a campaign referencing a missing
	// template would only fail at start time.
	if _, err := s.st.Template(r.Context(), req.TemplateID); err != nil {
		s.writeError(w, err)
		return
	}

	respect := true
	if req.RespectUserSettings != nil {
		respect = *req.RespectUserSettings
	}
	c, err := s.st.CreateCampaign(r.Context(), store.Campaign{
		Name:                req.Name,
		CommunityID:         req.CommunityID,
		TemplateID:          req.TemplateID,
		TargetMode:          mode,
		TargetRole:          req.TargetRole,
		RateLimit:           req.RateLimit,
		RespectUserSettings: respect,
		ScheduledAt:         req.ScheduledAt,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, campaignToDTO(c))
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		s.badRequest(w, "invalid campaign id")
		return
	}
	c, err := s.st.Campaign(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, campaignToDTO(c))
}

func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		s.badRequest(w, "invalid campaign id")
		return
	}
	if err := s.st.DeleteCampaign(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		s.badRequest(w, "invalid campaign id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	desired := store.CampaignStatus(req.Status)
	if !desired.Valid() {
		s.badRequest(w, "invalid status")
		return
	}
	c, err := s.lifecycle.Transition(r.Context(), id, desired)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, campaignToDTO(c))
}

// ---- logs ----

type logDTO struct {
	ID         int64     `json:"id"`
	CampaignID int64     `json:"campaignId"`
	UserID     int64     `json:"userId"`
	Username   string    `json:"username"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func logsToDTO(logs []store.MessageLog) []logDTO {
	out := make([]logDTO, 0, len(logs))
	for _, l := range logs {
		out = append(out, logDTO{
			ID: l.ID, CampaignID: l.CampaignID, UserID: l.UserID,
			Username: l.Username, Status: string(l.Status), Error: l.Error, At: l.At,
		})
	}
	return out
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.st.Logs(r.Context(), parseLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logsToDTO(logs))
}

func (s *Server) handleCampaignLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		s.badRequest(w, "invalid campaign id")
		return
	}
	if _, err := s.st.Campaign(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	logs, err := s.st.LogsByCampaign(r.Context(), id, parseLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, logsToDTO(logs))
}

// ---- rate limit ----

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	policy, ok, err := s.st.RatePolicy(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{
		"configured":  ok,
		"currentRate": s.rate.RatePerMinute(),
		"usage":       s.rate.UsageFraction(r.Context()),
		"queueLength": s.queue.Len(),
	}
	if ok {
		resp["messagesPerMinute"] = policy.MessagesPerMinute
		resp["cooldownSeconds"] = policy.CooldownSeconds
		resp["maxQueueSize"] = policy.MaxQueueSize
		resp["updatedAt"] = policy.UpdatedAt
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessagesPerMinute int `json:"messagesPerMinute"`
		CooldownSeconds   int `json:"cooldownSeconds"`
		MaxQueueSize      int `json:"maxQueueSize"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	if req.MessagesPerMinute <= 0 || req.CooldownSeconds <= 0 || req.MaxQueueSize <= 0 {
		s.badRequest(w, "messagesPerMinute, cooldownSeconds and maxQueueSize must be positive")
		return
	}
	p, err := s.st.SetRatePolicy(r.Context(), store.RatePolicy{
		MessagesPerMinute: req.MessagesPerMinute,
		CooldownSeconds:   req.CooldownSeconds,
		MaxQueueSize:      req.MaxQueueSize,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"messagesPerMinute": p.MessagesPerMinute,
		"cooldownSeconds":   p.CooldownSeconds,
		"maxQueueSize":      p.MaxQueueSize,
		"updatedAt":         p.UpdatedAt,
	})
}

// ---- queue ----

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"length": s.queue.Len()})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": s.queue.ClearQueue()})
}

// ---- stats ----

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.st.Campaigns(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	communities, err := s.st.Communities(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	byStatus := map[string]int{}
	sent, failed := 0, 0
	for _, c := range campaigns {
		byStatus[string(c.Status)]++
		sent += c.MessagesSent
		failed += c.MessagesFailed
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"campaigns":         len(campaigns),
		"campaignsByStatus": byStatus,
		"messagesSent":      sent,
		"messagesFailed":    failed,
		"communities":       len(communities),
		"queueLength":       s.queue.Len(),
		"ratePerMinute":     s.rate.RatePerMinute(),
	})
}

// ---- activity ----

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.activity.snapshot())
}
