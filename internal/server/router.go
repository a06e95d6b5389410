package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/coreshell/internal/coreconfig"
	"github.com/loykin/coreshell/internal/history"
	"github.com/loykin/coreshell/internal/logbuf"
	"github.com/loykin/coreshell/internal/manager"
	"github.com/loykin/coreshell/internal/metrics"
	"github.com/loykin/coreshell/internal/probe"
	"github.com/loykin/coreshell/internal/process"
	"github.com/loykin/coreshell/internal/settings"
	"github.com/loykin/coreshell/internal/shell"
	"github.com/loykin/coreshell/internal/status"
	"github.com/loykin/coreshell/internal/sysproxy"
)

// Router provides the local control API of a running shell.
// Endpoints:
//
//	POST   {basePath}/start
//	POST   {basePath}/stop             query: wait=5s (optional)
//	GET    {basePath}/status
//	GET    {basePath}/logs             query: since=N or tail=N
//	GET    {basePath}/config           active config, formatted
//	PUT    {basePath}/config           body: config JSON
//	POST   {basePath}/config/select    body: {"path": "..."}
//	POST   {basePath}/config/generate  body: coreconfig.Options
//	POST   {basePath}/probe/latency
//	POST   {basePath}/probe/speed
//	POST   {basePath}/proxy            body: {"address": "..."} (optional)
//	DELETE {basePath}/proxy
//	GET    {basePath}/settings
//	PUT    {basePath}/settings         body: settings.Settings
//	GET    {basePath}/hotkeys
//	POST   {basePath}/hotkeys/fire     body: {"combo": "<alt>+z"}
//	GET    {basePath}/history          query: limit=N
//	GET    {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	app      *shell.App
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a Router serving app under basePath.
func NewRouter(app *shell.App, basePath string) *Router {
	return &Router{app: app, basePath: sanitizeBase(basePath), metrics: metrics.Handler()}
}

// WithMetricsHandler replaces the default Prometheus handler.
func (r *Router) WithMetricsHandler(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/logs", r.handleLogs)
	group.GET("/config", r.handleGetConfig)
	group.PUT("/config", r.handlePutConfig)
	group.POST("/config/select", r.handleSelectConfig)
	group.POST("/config/generate", r.handleGenerateConfig)
	group.POST("/probe/latency", r.handleLatency)
	group.POST("/probe/speed", r.handleSpeed)
	group.POST("/proxy", r.handleSetProxy)
	group.DELETE("/proxy", r.handleClearProxy)
	group.GET("/settings", r.handleGetSettings)
	group.PUT("/settings", r.handlePutSettings)
	group.GET("/hotkeys", r.handleHotkeys)
	group.POST("/hotkeys/fire", r.handleFireHotkey)
	group.GET("/history", r.handleHistory)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer listens on addr and serves the router in the background.
// A bind failure is returned instead of being lost in the goroutine.
func NewServer(addr, basePath string, app *shell.App) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	r := NewRouter(app, basePath)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// speed probes run for up to a minute
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// StatusResp is the body of GET /status.
type StatusResp struct {
	status.Update
	PID          int            `json:"pid,omitempty"`
	ProxyEnabled bool           `json:"proxy_enabled"`
	ProxyBackend string         `json:"proxy_backend"`
	Usage        *metrics.Usage `json:"usage,omitempty"`
}

// LogsResp is the body of GET /logs. Lost is set when lines after the
// requested sequence were already evicted.
type LogsResp struct {
	Lines []logbuf.Line `json:"lines"`
	Lost  bool          `json:"lost"`
	Last  uint64        `json:"last"`
}

type pathReq struct {
	Path string `json:"path"`
}

type proxyReq struct {
	Address string `json:"address"`
}

type comboReq struct {
	Combo string `json:"combo"`
}

type generateResp struct {
	Path string `json:"path"`
}

type fireResp struct {
	Action string `json:"action"`
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.app.Start(c.Request.Context(), manager.TriggerAPI); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	ctx := c.Request.Context()
	if waitStr := c.Query("wait"); waitStr != "" {
		d, err := time.ParseDuration(waitStr)
		if err != nil || d <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration"})
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := r.app.Stop(ctx, manager.TriggerAPI); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := StatusResp{
		Update:       r.app.Status().Current(),
		PID:          r.app.PID(),
		ProxyEnabled: r.app.ProxyEnabled(),
		ProxyBackend: r.app.ProxyBackend(),
	}
	if u, ok := r.app.Usage(); ok && u.PID != 0 {
		resp.Usage = &u
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleLogs(c *gin.Context) {
	buf := r.app.Logs()
	if tail := c.Query("tail"); tail != "" {
		n, err := strconv.Atoi(tail)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid tail"})
			return
		}
		writeJSON(c, http.StatusOK, LogsResp{Lines: buf.Tail(n), Last: buf.LastSeq()})
		return
	}
	var since uint64
	if s := c.Query("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid since"})
			return
		}
		since = n
	}
	lines, lost := buf.Since(since)
	writeJSON(c, http.StatusOK, LogsResp{Lines: lines, Lost: lost, Last: buf.LastSeq()})
}

func (r *Router) handleGetConfig(c *gin.Context) {
	b, err := r.app.ReadConfig()
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("X-Config-Path", r.app.ConfigPath())
	c.Data(http.StatusOK, "application/json", b)
}

func (r *Router) handlePutConfig(c *gin.Context) {
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if err := r.app.SaveConfig(b); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSelectConfig(c *gin.Context) {
	var req pathReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Path == "" || !isSafeAbsPath(req.Path) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid path: must be absolute path without traversal"})
		return
	}
	if err := r.app.SelectConfig(req.Path); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pathReq{Path: r.app.ConfigPath()})
}

func (r *Router) handleGenerateConfig(c *gin.Context) {
	var opts coreconfig.Options
	if err := c.ShouldBindJSON(&opts); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(strings.TrimSuffix(strings.TrimSpace(opts.Name), ".json")) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	p, err := r.app.GenerateConfig(opts)
	if err != nil {
		if errors.Is(err, coreconfig.ErrExists) {
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, generateResp{Path: p})
}

func (r *Router) handleLatency(c *gin.Context) {
	res, err := r.app.Latency(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleSpeed(c *gin.Context) {
	res, err := r.app.Speed(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleSetProxy(c *gin.Context) {
	var req proxyReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if req.Address != "" {
		if err := settings.ValidateAddress(req.Address); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid address: " + err.Error()})
			return
		}
	}
	if err := r.app.EnableProxy(req.Address); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleClearProxy(c *gin.Context) {
	if err := r.app.DisableProxy(); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGetSettings(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.app.Settings())
}

func (r *Router) handlePutSettings(c *gin.Context) {
	next := r.app.Settings()
	// absent keys keep their current value
	if err := c.ShouldBindJSON(&next); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	got, err := r.app.UpdateSettings(func(s *settings.Settings) { *s = next })
	if err != nil {
		if got == next {
			// saved, but applying a side effect failed
			writeError(c, err)
			return
		}
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, got)
}

func (r *Router) handleHotkeys(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.app.Hotkeys().Bindings())
}

func (r *Router) handleFireHotkey(c *gin.Context) {
	var req comboReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Combo == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "combo required"})
		return
	}
	act, ok := r.app.Hotkeys().Fire(req.Combo)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no binding for " + req.Combo})
		return
	}
	writeJSON(c, http.StatusOK, fireResp{Action: string(act)})
}

type recentSource interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

func (r *Router) handleHistory(c *gin.Context) {
	src, ok := r.app.History().(recentSource)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history is not enabled"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	events, err := src.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

// httpStatus maps domain errors to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, manager.ErrInProgress),
		errors.Is(err, process.ErrAlreadyRunning),
		errors.Is(err, shell.ErrNotRunning),
		errors.Is(err, coreconfig.ErrExists):
		return http.StatusConflict
	case errors.Is(err, manager.ErrNoConfig),
		errors.Is(err, coreconfig.ErrInvalidJSON):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, process.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, probe.ErrProbeUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sysproxy.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, httpStatus(err), errorResp{Error: err.Error()})
}
