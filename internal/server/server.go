// Package server is the intake edge: the HTTP surface the browser companion
// talks to. It validates and decompresses submissions, resolves referrers
// through the tab tracker, parks visits whose opener is unknown, and feeds
// the analysis queue. It never blocks on analysis outcomes.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkmd/internal/async"
	pkmderrors "pkmd/internal/errors"
	"pkmd/internal/logging"
	"pkmd/internal/orphan"
	"pkmd/internal/queue"
	"pkmd/internal/store"
	"pkmd/internal/tabs"
	"pkmd/internal/visit"
)

// Config is the listener configuration.
type Config struct {
	Host    string
	Port    int // 0 = OS-assigned
	Version string
}

// Server is the intake HTTP service.
type Server struct {
	cfg     Config
	engine  *gin.Engine
	tracker *tabs.Tracker
	orphans *orphan.Manager
	queue   *queue.Queue
	store   *store.Store
	ports   *PortFiles
	logger  logging.Logger

	decoder   *zstd.Decoder
	startedAt time.Time
	draining  atomic.Bool
	boundPort atomic.Int64
}

// New builds the server and its routes. ports may be nil to skip port
// advertisement.
func New(cfg Config, tracker *tabs.Tracker, orphans *orphan.Manager, q *queue.Queue,
	s *store.Store, ports *PortFiles, logger logging.Logger) (*Server, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	srv := &Server{
		cfg:       cfg,
		tracker:   tracker,
		orphans:   orphans,
		queue:     q,
		store:     s,
		ports:     ports,
		logger:    logging.OrNop(logger),
		decoder:   decoder,
		startedAt: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type"},
	}))

	engine.POST("/visit", srv.handleVisit)
	engine.POST("/tab-event", srv.handleTabEvent)
	engine.GET("/status", srv.handleStatus)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv.engine = engine
	return srv, nil
}

// Handler exposes the router, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Port returns the bound port once Run has started listening.
func (s *Server) Port() int {
	return int(s.boundPort.Load())
}

// Run listens and serves until ctx is cancelled, then shuts down gracefully
// and truncates the port files.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s.boundPort.Store(int64(port))
	s.logger.Info("Server: listening on %s:%d", s.cfg.Host, port)

	if s.ports != nil {
		if err := s.ports.Write(port); err != nil {
			s.logger.Warn("Server: %v", err)
		}
	}

	httpServer := &http.Server{Handler: s.engine}
	done := make(chan struct{})
	async.Go(s.logger, "server-shutdown", func() {
		defer close(done)
		<-ctx.Done()
		s.draining.Store(true)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Server: shutdown: %v", err)
		}
		if s.ports != nil {
			s.ports.Truncate()
		}
	})

	err = httpServer.Serve(ln)
	<-done
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// visitRequest is the intake payload. Content is base64-encoded
// zstd-compressed HTML.
type visitRequest struct {
	URL               string `json:"url"`
	PageLoadedAt      string `json:"page_loaded_at"`
	Referrer          string `json:"referrer"`
	ReferrerTimestamp string `json:"referrer_timestamp"`
	TabID             int    `json:"tab_id"`
	OpenerTabID       int    `json:"opener_tab_id"`
	Content           string `json:"content"`
}

func (r visitRequest) validate() []string {
	var issues []string
	if r.URL == "" {
		issues = append(issues, "url is required")
	} else if visit.Domain(r.URL) == "" {
		issues = append(issues, "url must be absolute")
	}
	if r.PageLoadedAt == "" {
		issues = append(issues, "page_loaded_at is required")
	} else if _, err := time.Parse(time.RFC3339, r.PageLoadedAt); err != nil {
		issues = append(issues, "page_loaded_at must be RFC 3339")
	}
	if r.ReferrerTimestamp != "" {
		if _, err := time.Parse(time.RFC3339, r.ReferrerTimestamp); err != nil {
			issues = append(issues, "referrer_timestamp must be RFC 3339")
		}
	}
	if r.Content == "" {
		issues = append(issues, "content is required")
	}
	return issues
}

func (s *Server) handleVisit(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		intakeRequests.WithLabelValues("shutdown").Inc()
		return
	}

	var req visitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		intakeRequests.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return
	}
	if issues := req.validate(); len(issues) > 0 {
		intakeRequests.WithLabelValues("invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "issues": issues})
		return
	}

	content, err := s.decodeContent(req.Content)
	if err != nil {
		var degraded *pkmderrors.DegradedError
		if !errors.As(err, &degraded) {
			intakeRequests.WithLabelValues("invalid").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "undecodable content"})
			return
		}
		s.logger.Warn("Server: content for %s degraded (%s), using fallback: %v",
			req.URL, degraded.Message, degraded.Err)
		content = degraded.Fallback
	}

	loadedAt, _ := time.Parse(time.RFC3339, req.PageLoadedAt)
	v := visit.Visit{
		ID:           visit.ID(req.URL, req.PageLoadedAt),
		URL:          req.URL,
		PageLoadedAt: loadedAt,
		Referrer:     req.Referrer,
		TabID:        req.TabID,
		OpenerTabID:  req.OpenerTabID,
		RawContent:   content,
	}
	if req.ReferrerTimestamp != "" {
		v.ReferrerTimestamp, _ = time.Parse(time.RFC3339, req.ReferrerTimestamp)
	}

	// Record the navigation, then read back what the tab showed before it:
	// that is this visit's referrer when the payload carried none.
	if req.TabID > 0 {
		s.tracker.TabUpdated(req.TabID, req.URL, req.OpenerTabID)
		if v.Referrer == "" {
			if ref, at, ok := s.tracker.Referrer(req.TabID); ok {
				v.Referrer = ref
				v.ReferrerTimestamp = at
			}
		}
	}

	// The row is persisted before queueing or parking, so a crash or an
	// expired orphan never loses the visit.
	if err := s.store.UpsertVisit(c.Request.Context(), v); err != nil {
		s.logger.Error("Server: persist visit %s: %v", v.ID, err)
		intakeRequests.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}

	if v.OpenerTabID > 0 && !s.tracker.Known(v.OpenerTabID) {
		s.orphans.Add(v, v.OpenerTabID)
		intakeRequests.WithLabelValues("orphaned").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "queued", "position": 0})
		return
	}

	position, err := s.queue.Enqueue(v)
	if err != nil {
		intakeRequests.WithLabelValues("shutdown").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	intakeRequests.WithLabelValues("queued").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "queued", "position": position})
}

// decodeContent reverses base64 and zstd. Either layer failing yields a
// DegradedError carrying the rawest form available as fallback; intake
// never rejects on compression problems.
func (s *Server) decodeContent(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &pkmderrors.DegradedError{Err: err, Fallback: encoded,
			Message: "content is not base64"}
	}
	decompressed, err := s.decoder.DecodeAll(raw, nil)
	if err != nil {
		return "", &pkmderrors.DegradedError{Err: err, Fallback: string(raw),
			Message: "content failed zstd decompression"}
	}
	return string(decompressed), nil
}

// tabEventRequest mirrors the browser companion's tab lifecycle events.
type tabEventRequest struct {
	Type        string `json:"type"` // created, updated, in_page, removed
	TabID       int    `json:"tab_id"`
	OpenerTabID int    `json:"opener_tab_id"`
	URL         string `json:"url"`
}

func (s *Server) handleTabEvent(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	var req tabEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return
	}
	if req.TabID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tab_id is required"})
		return
	}

	switch req.Type {
	case "created":
		s.tracker.TabCreated(req.TabID, req.URL, req.OpenerTabID)
		s.adoptOrphans(c.Request.Context(), req.TabID)
	case "updated":
		s.tracker.TabUpdated(req.TabID, req.URL, req.OpenerTabID)
		s.adoptOrphans(c.Request.Context(), req.TabID)
	case "in_page":
		s.tracker.InPageNavigation(req.TabID, req.URL)
	case "removed":
		s.tracker.TabRemoved(req.TabID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown event type %q", req.Type)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// adoptOrphans releases visits that were waiting for this tab, resolving
// their referrer from the now-known opener before queueing.
func (s *Server) adoptOrphans(ctx context.Context, tabID int) {
	adopted := s.orphans.TakeFor(tabID)
	for _, v := range adopted {
		if v.Referrer == "" {
			if h, ok := s.tracker.Snapshot(tabID); ok && h.CurrentURL != "" {
				v.Referrer = h.CurrentURL
				v.ReferrerTimestamp = h.CurrentAt
				if err := s.store.SetVisitReferrer(ctx, v.ID, v.Referrer, v.ReferrerTimestamp); err != nil {
					s.logger.Warn("Server: update referrer for %s: %v", v.ID, err)
				}
			}
		}
		if _, err := s.queue.Enqueue(v); err != nil {
			s.logger.Warn("Server: enqueue adopted orphan %s: %v", v.ID, err)
			return
		}
		orphanOutcomes.WithLabelValues("reparented").Inc()
		s.logger.Info("Server: reparented orphan %s under tab %d", v.URL, tabID)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.orphans.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":         "running",
		"version":        s.cfg.Version,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"queue_depth":    s.queue.Depth(),
		"orphans": gin.H{
			"waiting":    st.Waiting,
			"reparented": st.Reparented,
			"expired":    st.Expired,
			"exhausted":  st.Exhausted,
		},
	})
}

// DropToQueue returns the orphan-drop handler: a visit whose opener never
// appeared is queued as a root so its data is kept.
func DropToQueue(q *queue.Queue, logger logging.Logger) func(v visit.Visit, reason string) {
	logger = logging.OrNop(logger)
	return func(v visit.Visit, reason string) {
		v.OpenerTabID = 0
		if _, err := q.Enqueue(v); err != nil {
			logger.Warn("Server: queue dropped orphan %s (%s): %v", v.URL, reason, err)
			return
		}
		orphanOutcomes.WithLabelValues(reason).Inc()
		logger.Info("Server: orphan %s queued as root (%s)", v.URL, reason)
	}
}

// RetryOrphans returns the queue tick handler: orphans whose opener has
// appeared are adopted; the rest age toward their retry and TTL bounds.
func (s *Server) RetryOrphans() func(ctx context.Context) {
	return func(ctx context.Context) {
		for _, o := range s.orphans.Retryable() {
			if s.tracker.Known(o.OpenerTabID) {
				s.adoptOrphans(ctx, o.OpenerTabID)
				continue
			}
			if s.orphans.Bump(o) {
				orphanOutcomes.WithLabelValues("exhausted").Inc()
			}
		}
	}
}
