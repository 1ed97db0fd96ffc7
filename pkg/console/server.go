// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package console

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
)

// ServerConfig configures the console HTTP surface.
type ServerConfig struct {
	Bootstrapper *Bootstrapper
	Metrics      *Metrics
	Logger       *slog.Logger

	// Origins lists the console origins the server bootstraps for. Bot API
	// URLs and login requests are derived from the origin, so a request
	// whose origin is not listed is refused. An empty list refuses every
	// bootstrap request.
	Origins []string

	// LoginTimeout bounds POST /api/bootstrap/login waiting for pass 2.
	LoginTimeout time.Duration

	// LoginInterval is the minimum spacing of POST /api/bootstrap/login
	// calls after LoginBurst; each call logs in to every bot lacking tokens.
	// Default: 10 seconds, burst 3
	LoginInterval time.Duration
	LoginBurst    int
}

// Server serves bootstrap results to the console front-end.
type Server struct {
	cfg     ServerConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	allowed map[string]bool
}

// NewServer returns a Server for cfg. It fails if an entry of cfg.Origins
// is not an absolute http(s) origin.
func NewServer(cfg ServerConfig) (*Server, error) {
	allowed := make(map[string]bool, len(cfg.Origins))
	for _, o := range cfg.Origins {
		origin, err := NormalizeOrigin(o)
		if err != nil {
			return nil, err
		}
		allowed[origin] = true
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LoginInterval <= 0 {
		cfg.LoginInterval = 10 * time.Second
	}
	if cfg.LoginBurst <= 0 {
		cfg.LoginBurst = 3
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.LoginInterval), cfg.LoginBurst),
		allowed: allowed,
	}, nil
}

// Routes registers the console routes on router:
//
//	GET    /healthz
//	GET    /metrics
//	GET    /api/bootstrap          pass 1 (pass 2 runs detached)
//	POST   /api/bootstrap/login    pass 1, then waits for pass 2
//	PUT    /api/bootstrap/selected {"id": "bot.2"}
//	DELETE /api/bootstrap
//
// The origin is taken from the `origin` query parameter, else from the
// request's scheme and Host, and must be one of ServerConfig.Origins.
func (s *Server) Routes(router *gin.Engine) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/bootstrap")
	{
		api.GET("", s.handleBootstrap)
		api.POST("/login", s.handleLogin)
		api.PUT("/selected", s.handleSelect)
		api.DELETE("", s.handleClear)
	}
}

// Handler returns a gin engine with recovery, tracing and the console
// routes.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("botfleet-console"))
	s.Routes(router)
	return router
}

// origin returns the normalized console origin of the request. Origins not
// in the allowlist fail with ErrInvalidOrigin before any bot is contacted.
func (s *Server) origin(c *gin.Context) (string, error) {
	origin, err := s.origin(c)
	if err != nil {
		return "", err
	}
	if !s.allowed[origin] {
		s.logger.Warn("refusing console origin", "origin", origin, "remote", c.ClientIP())
		return "", fmt.Errorf("%w: %s is not an allowed origin", ErrInvalidOrigin, origin)
	}
	return origin, nil
}

func requestOrigin(c *gin.Context) string {
	if origin := c.Query("origin"); origin != "" {
		return origin
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if fwd := c.GetHeader("X-Forwarded-Proto"); fwd == "http" || fwd == "https" {
		scheme = fwd
	}
	return scheme + "://" + c.Request.Host
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrInvalidOrigin) {
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("console request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleBootstrap(c *gin.Context) {
	origin, err := s.origin(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	out, err := s.cfg.Bootstrapper.Run(c.Request.Context(), origin)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type loginResponse struct {
	*Outcome
	Logins map[string]string `json:"logins"`
}

func (s *Server) handleLogin(c *gin.Context) {
	origin, err := s.origin(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "login rate exceeded"})
		return
	}
	out, err := s.cfg.Bootstrapper.Run(c.Request.Context(), origin)
	if err != nil {
		s.fail(c, err)
		return
	}

	done := make(chan map[string]error, 1)
	go func() { done <- out.Wait() }()

	resp := loginResponse{Outcome: out, Logins: map[string]string{}}
	select {
	case results := <-done:
		for id, lerr := range results {
			if lerr != nil {
				resp.Logins[id] = lerr.Error()
			} else {
				resp.Logins[id] = "ok"
			}
		}
		records, err := s.cfg.Bootstrapper.Records(out.Origin).Records(c.Request.Context())
		if err != nil {
			s.fail(c, err)
			return
		}
		resp.Records = records
	case <-time.After(s.cfg.LoginTimeout):
		for _, id := range out.Pending {
			resp.Logins[id] = "pending"
		}
	case <-c.Request.Context().Done():
		return
	}
	c.JSON(http.StatusOK, resp)
}

type selectRequest struct {
	ID string `json:"id" binding:"required"`
}

func (s *Server) handleSelect(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	origin, err := s.origin(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	rs := s.cfg.Bootstrapper.Records(origin)
	records, err := rs.Records(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, ok := records[req.ID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot " + req.ID})
		return
	}
	if err := rs.Select(c.Request.Context(), req.ID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"selected": req.ID})
}

func (s *Server) handleClear(c *gin.Context) {
	origin, err := s.origin(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.cfg.Bootstrapper.Records(origin).Clear(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
