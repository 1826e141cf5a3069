package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/evreth/tandem/internal/history"
	"github.com/evreth/tandem/internal/metrics"
	"github.com/evreth/tandem/internal/supervisor"
)

// Router exposes the supervisor over HTTP.
// Endpoints:
//   GET {basePath}/health        composite health, 200 or 503
//   GET {basePath}/status        all process snapshots; ?name= for one
//   GET {basePath}/history       recent lifecycle events; ?name=&limit=
//   GET {basePath}/metrics      Prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.

type Router struct {
	sup      *supervisor.Supervisor
	hist     *history.SQLSink
	basePath string
}

// NewRouter constructs a Router. hist may be nil; /history then answers 404.
func NewRouter(sup *supervisor.Supervisor, hist *history.SQLSink, basePath string) *Router {
	return &Router{sup: sup, hist: hist, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/history", r.handleHistory)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sup *supervisor.Supervisor, hist *history.SQLSink) *http.Server {
	r := NewRouter(sup, hist, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status    string    `json:"status"`
	Failing   []string  `json:"failing,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// handleHealth reads the cached composite snapshot only; nothing on this
// path blocks on process I/O.
func (r *Router) handleHealth(c *gin.Context) {
	start := time.Now()
	h := r.sup.Health()
	if h.Healthy {
		writeJSON(c, http.StatusOK, healthResp{Status: "healthy", CheckedAt: h.CheckedAt})
	} else {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{
			Status:    "unhealthy",
			Failing:   h.Failing,
			CheckedAt: h.CheckedAt,
		})
	}
	metrics.ObserveHealthCheckDuration(time.Since(start).Seconds())
}

func (r *Router) handleStatus(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		st, ok := r.sup.StatusByName(name)
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown process: " + name})
			return
		}
		writeJSON(c, http.StatusOK, st)
		return
	}
	writeJSON(c, http.StatusOK, r.sup.Status())
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.hist == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history not configured"})
		return
	}
	name := c.Query("name")
	limit := 100
	if ls := c.Query("limit"); ls != "" {
		n, err := strconv.Atoi(ls)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	events, err := r.hist.Recent(ctx, name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, events)
}
