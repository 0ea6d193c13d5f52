// Package httpapi exposes the operational surface a dashboard consumes:
// bot status, communities, templates, campaigns, logs, rate limits,
// stats and the recent-activity feed.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"herald/internal/eventbus"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type Config struct {
	Enabled      bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// QueueInfo is the queue introspection surface.
type QueueInfo interface {
	Len() int
	ClearQueue() int
}

// RateInfo is the limiter introspection surface.
type RateInfo interface {
	RatePerMinute() int
	UsageFraction(ctx context.Context) float64
}

// Lifecycle drives campaign status transitions.
type Lifecycle interface {
	Transition(ctx context.Context, id int64, desired store.CampaignStatus) (store.Campaign, error)
}

// Gate reports platform connectivity.
type Gate interface {
	Ready() bool
}

type Server struct {
	cfg       Config
	log       logx.Logger
	st        store.Store
	gate      Gate
	queue     QueueInfo
	rate      RateInfo
	lifecycle Lifecycle
	activity  *activityFeed

	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, st store.Store, gate Gate, queue QueueInfo, rate RateInfo, lc Lifecycle, bus eventbus.Bus, log logx.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "httpapi")),
		st:        st,
		gate:      gate,
		queue:     queue,
		rate:      rate,
		lifecycle: lc,
		activity:  newActivityFeed(bus, 100),
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/communities", s.handleListCommunities)
		r.Get("/communities/{id}/members", s.handleListMembers)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates", s.handleCreateTemplate)
		r.Put("/templates/{id}", s.handleUpdateTemplate)
		r.Delete("/templates/{id}", s.handleDeleteTemplate)

		r.Get("/campaigns", s.handleListCampaigns)
		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Delete("/campaigns/{id}", s.handleDeleteCampaign)
		r.Post("/campaigns/{id}/status", s.handleTransition)
		r.Get("/campaigns/{id}/logs", s.handleCampaignLogs)

		r.Get("/logs", s.handleLogs)

		r.Get("/ratelimit", s.handleGetRateLimit)
		r.Put("/ratelimit", s.handleUpdateRateLimit)

		r.Get("/queue", s.handleQueue)
		r.Delete("/queue", s.handleClearQueue)

		r.Get("/stats", s.handleStats)
		r.Get("/activity", s.handleActivity)
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Debug("http api disabled")
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.activity.start()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.activity.stop()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	s.ln = nil
	return err
}

// Addr returns the bound listen address, useful when the config used
// port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
