package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procmon/internal/crashbin"
	"github.com/loykin/procmon/internal/metrics"
	"github.com/loykin/procmon/internal/monitor"
)

// Monitor is the protocol surface the router exposes.
type Monitor interface {
	PreSend(ctx context.Context, testNumber int) error
	PostSend(ctx context.Context) (bool, error)
	BinKeys() []crashbin.Key
	Bin(key crashbin.Key) ([]crashbin.Record, bool)
	Status() monitor.Status
	StopTarget(ctx context.Context) error
}

// Samples is the resource history of the target, oldest first.
type Samples interface {
	Recent() []metrics.TargetSample
}

// Router serves the monitor protocol as JSON over HTTP.
// Endpoints:
//
//	POST {basePath}/pre_send     body: {"test_number": n}
//	POST {basePath}/post_send
//	GET  {basePath}/bin_keys
//	GET  {basePath}/bin          query: key=0x...
//	GET  {basePath}/status
//	POST {basePath}/stop_target
//	GET  {basePath}/samples
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mon      Monitor
	samples  Samples
	basePath string
}

func NewRouter(mon Monitor, basePath string) *Router {
	return &Router{mon: mon, basePath: sanitizeBase(basePath)}
}

// WithSamples serves s on /samples. Without it the route answers an empty list.
func (r *Router) WithSamples(s Samples) *Router {
	r.samples = s
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/pre_send", r.handlePreSend)
	group.POST("/post_send", r.handlePostSend)
	group.GET("/bin_keys", r.handleBinKeys)
	group.GET("/bin", r.handleBin)
	group.GET("/status", r.handleStatus)
	group.POST("/stop_target", r.handleStopTarget)
	group.GET("/samples", r.handleSamples)
	return g
}

// NewServer builds the API server. It is not started. WriteTimeout stays
// unset because post_send blocks for as long as forensic capture runs.
func NewServer(addr, basePath string, mon Monitor, samples Samples) *http.Server {
	r := NewRouter(mon, basePath)
	if samples != nil {
		r.WithSamples(samples)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type samplesResp struct {
	Samples []metrics.TargetSample `json:"samples"`
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type preSendReq struct {
	TestNumber int `json:"test_number"`
}

type postSendResp struct {
	Alive bool `json:"alive"`
}

type keysResp struct {
	Keys []crashbin.Key `json:"keys"`
}

type binResp struct {
	Key     crashbin.Key      `json:"key"`
	Records []crashbin.Record `json:"records"`
}

func (r *Router) handlePreSend(c *gin.Context) {
	var req preSendReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.mon.PreSend(c.Request.Context(), req.TestNumber); err != nil {
		slog.Error("pre_send failed", "test_number", req.TestNumber, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePostSend(c *gin.Context) {
	alive, err := r.mon.PostSend(c.Request.Context())
	if err != nil {
		slog.Error("post_send failed", "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, postSendResp{Alive: alive})
}

func (r *Router) handleBinKeys(c *gin.Context) {
	keys := r.mon.BinKeys()
	if keys == nil {
		keys = []crashbin.Key{}
	}
	writeJSON(c, http.StatusOK, keysResp{Keys: keys})
}

func (r *Router) handleBin(c *gin.Context) {
	raw := c.Query("key")
	if raw == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "key required"})
		return
	}
	key, err := crashbin.ParseKey(raw)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	recs, ok := r.mon.Bin(key)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown key"})
		return
	}
	writeJSON(c, http.StatusOK, binResp{Key: key, Records: recs})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mon.Status())
}

func (r *Router) handleStopTarget(c *gin.Context) {
	if err := r.mon.StopTarget(c.Request.Context()); err != nil {
		slog.Warn("stop_target failed", "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSamples(c *gin.Context) {
	out := []metrics.TargetSample{}
	if r.samples != nil {
		out = append(out, r.samples.Recent()...)
	}
	writeJSON(c, http.StatusOK, samplesResp{Samples: out})
}
