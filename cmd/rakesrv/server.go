package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/koriath/raketh/internal/collections"
	"github.com/koriath/raketh/internal/config"
	"github.com/koriath/raketh/internal/errs"
	"github.com/koriath/raketh/internal/logging"
)

// apiServer is the HTTP surface over the ingestion coordinator (C11) and
// retrieval engine (C12).
type apiServer struct {
	echo   *echo.Echo
	cfg    *config.Config
	deps   *dependencies
	logger *logging.Logger
}

// newServer wires an Echo router with standard middleware plus the
// document-ingestion and query routes.
func newServer(cfg *config.Config, deps *dependencies, logger *logging.Logger) *apiServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)))
			return err
		}
	})

	s := &apiServer{echo: e, cfg: cfg, deps: deps, logger: logger}
	s.registerRoutes()
	return s
}

func (s *apiServer) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/documents", s.handleAddDocument)
	v1.POST("/query", s.handleQuery)
}

// healthResponse is the JSON body for GET /health.
type healthResponse struct {
	Status        string `json:"status"`
	MemoryLevel   string `json:"memory_level"`
	HeapBytes     uint64 `json:"heap_bytes"`
}

func (s *apiServer) handleHealth(c echo.Context) error {
	level := "normal"
	switch s.deps.monitor.Level() {
	case 1:
		level = "alert"
	case 2:
		level = "critical"
	}
	resp := healthResponse{Status: "ok", MemoryLevel: level, HeapBytes: s.deps.monitor.HeapBytes()}
	if level == "critical" {
		resp.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// scopeDTO is the wire representation of a collections.Scope.
type scopeDTO struct {
	Kind      string `json:"kind"` // "global", "workspace", or "project"
	Workspace string `json:"workspace,omitempty"`
	Project   string `json:"project,omitempty"`
}

func (d scopeDTO) toScope() (collections.Scope, error) {
	switch d.Kind {
	case "global":
		return collections.Global(), nil
	case "workspace":
		if d.Workspace == "" {
			return collections.Scope{}, fmt.Errorf("workspace is required for workspace scope")
		}
		return collections.Workspace(d.Workspace), nil
	case "project":
		if d.Workspace == "" || d.Project == "" {
			return collections.Scope{}, fmt.Errorf("workspace and project are required for project scope")
		}
		return collections.Project(d.Workspace, d.Project), nil
	default:
		return collections.Scope{}, fmt.Errorf("unknown scope kind: %s", d.Kind)
	}
}

// addDocumentRequest is the request body for POST /api/v1/documents.
type addDocumentRequest struct {
	Scope    scopeDTO `json:"scope"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Language string   `json:"language,omitempty"`
	Author   string   `json:"author,omitempty"`
}

// addDocumentResponse is the response body for POST /api/v1/documents.
type addDocumentResponse struct {
	DocumentID  string `json:"document_id"`
	ChunkCount  int    `json:"chunk_count"`
	TotalTokens int    `json:"total_tokens"`
	Status      string `json:"status"`
}

func (s *apiServer) handleAddDocument(c echo.Context) error {
	var req addDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	scope, err := req.Scope.toScope()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.deps.coord.AddDocument(c.Request().Context(), scope, req.Title, req.Content, req.Tags, req.Language, req.Author)
	if err != nil {
		return statusFor(err, c)
	}

	return c.JSON(http.StatusCreated, addDocumentResponse{
		DocumentID:  result.DocumentID,
		ChunkCount:  result.ChunkCount,
		TotalTokens: result.TotalTokens,
		Status:      "indexed",
	})
}

// queryRequest is the request body for POST /api/v1/query.
type queryRequest struct {
	UserID string     `json:"user_id"`
	Query  string     `json:"query"`
	Scopes []scopeDTO `json:"scopes"`
}

func (s *apiServer) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if len(req.Scopes) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one scope is required")
	}

	scopes := make([]collections.Scope, 0, len(req.Scopes))
	for _, dto := range req.Scopes {
		scope, err := dto.toScope()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		scopes = append(scopes, scope)
	}

	result, err := s.deps.engine.Query(c.Request().Context(), scopes, req.UserID, req.Query)
	if err != nil {
		return statusFor(err, c)
	}

	return c.JSON(http.StatusOK, result)
}

// statusFor maps an engine error to an HTTP status, using errs.Error's Kind
// when available and falling back to 500 for anything unclassified.
func statusFor(err error, c echo.Context) error {
	var e *errs.Error
	if ok := asEngineError(err, &e); ok {
		switch e.Kind {
		case errs.KindAccess:
			return echo.NewHTTPError(http.StatusForbidden, e.Message)
		case errs.KindValidation:
			return echo.NewHTTPError(http.StatusBadRequest, e.Message)
		case errs.KindDuplicate:
			return echo.NewHTTPError(http.StatusConflict, e.Message)
		case errs.KindCapacity:
			return echo.NewHTTPError(http.StatusTooManyRequests, e.Message)
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, e.Message)
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func asEngineError(err error, target **errs.Error) bool {
	for err != nil {
		if e, ok := err.(*errs.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Start starts the HTTP server and blocks until ctx is cancelled, then
// drains in-flight requests within the configured shutdown timeout.
func (s *apiServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Value())
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}
