package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/itskum47/ovhsniper/control_plane/config"
	"github.com/itskum47/ovhsniper/control_plane/coordination"
	"github.com/itskum47/ovhsniper/control_plane/errs"
	"github.com/itskum47/ovhsniper/control_plane/idempotency"
	"github.com/itskum47/ovhsniper/control_plane/middleware"
	"github.com/itskum47/ovhsniper/control_plane/provider"
	"github.com/itskum47/ovhsniper/control_plane/recorder"
	"github.com/itskum47/ovhsniper/control_plane/scheduler"
	"github.com/itskum47/ovhsniper/control_plane/settings"
	"github.com/itskum47/ovhsniper/control_plane/store"
)

const apiSource = "api"

// Catalog is the provider surface the dashboard reads directly.
type Catalog interface {
	ListPlans(ctx context.Context) ([]store.ServerPlan, error)
	Availability(ctx context.Context, planCode string) (map[string]string, error)
	VerifyAuth(ctx context.Context) (bool, error)
	BreakerState() provider.CircuitState
}

type API struct {
	store     store.Store
	settings  *settings.Store
	catalog   Catalog
	scheduler *scheduler.Scheduler
	recorder  *recorder.Recorder

	// Services
	stats *StatsService
	hub   *StatsHub

	idempotency idempotency.Store
	locks       coordination.Locker
	owner       string

	logger *log.Entry
}

// APIDeps are the collaborators of the HTTP API.
type APIDeps struct {
	Store       store.Store
	Settings    *settings.Store
	Catalog     Catalog
	Scheduler   *scheduler.Scheduler
	Recorder    *recorder.Recorder
	Idempotency idempotency.Store
	Locks       coordination.Locker
	Owner       string
}

func NewAPI(deps APIDeps, cfg config.APIConfig) *API {
	api := &API{
		store:       deps.Store,
		settings:    deps.Settings,
		catalog:     deps.Catalog,
		scheduler:   deps.Scheduler,
		recorder:    deps.Recorder,
		idempotency: deps.Idempotency,
		locks:       deps.Locks,
		owner:       deps.Owner,
		logger:      log.WithField("component", "api"),
	}
	api.stats = NewStatsService(deps.Store)
	api.hub = NewStatsHub(api.stats, cfg.StreamInterval)
	return api
}

// Routes builds the gin engine with every endpoint and the middleware chain.
func (a *API) Routes(cfg config.APIConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestMetrics(), middleware.CORS(cfg.CORSOrigin))

	r.GET("/health", a.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api", middleware.BearerToken(cfg.Token))
	if cfg.RateLimit > 0 {
		apiGroup.Use(middleware.RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)))
	}

	apiGroup.GET("/settings", a.handleGetSettings)
	apiGroup.POST("/settings", a.handleSaveSettings)
	apiGroup.POST("/verify-auth", a.handleVerifyAuth)

	apiGroup.GET("/stats", a.handleGetStats)
	apiGroup.GET("/stream", a.handleStream)

	apiGroup.GET("/servers", a.handleListServers)
	apiGroup.GET("/availability/:planCode", a.handleGetAvailability)

	apiGroup.GET("/queue", a.handleListQueue)
	apiGroup.POST("/queue", idempotency.Middleware(a.idempotency, a.locks, a.owner), a.handleAddQueueItem)
	apiGroup.DELETE("/queue/:id", a.handleRemoveQueueItem)
	apiGroup.PUT("/queue/:id/status", a.handleUpdateQueueStatus)

	apiGroup.GET("/purchase-history", a.handleListHistory)
	apiGroup.DELETE("/purchase-history", a.handleClearHistory)

	apiGroup.GET("/logs", a.handleListLogs)
	apiGroup.DELETE("/logs", a.handleClearLogs)

	apiGroup.GET("/scheduler/snapshot", a.handleSchedulerSnapshot)

	return r
}

// writeError maps an error kind to its HTTP status.
func (a *API) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindAuth:
		status = http.StatusUnauthorized
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindProviderTransient:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		a.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": errs.Message(err)})
}

func success(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"breaker": a.catalog.BreakerState().String(),
		"clients": a.hub.ClientCount(),
	})
}

// -- Settings --

func (a *API) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, a.settings.Get().Settings)
}

func (a *API) handleSaveSettings(c *gin.Context) {
	var in store.Settings
	if err := c.ShouldBindJSON(&in); err != nil {
		a.writeError(c, errs.Validation("invalid request body: %v", err))
		return
	}
	if _, err := a.settings.Update(c.Request.Context(), in); err != nil {
		a.writeError(c, err)
		return
	}
	a.recorder.Infof(c.Request.Context(), apiSource, "API settings updated")
	success(c)
}

func (a *API) handleVerifyAuth(c *gin.Context) {
	ctx := c.Request.Context()
	valid, err := a.catalog.VerifyAuth(ctx)
	if err != nil {
		a.recorder.Errorf(ctx, apiSource, "Authentication verification failed: %s", errs.Message(err))
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// -- Dashboard --

func (a *API) handleGetStats(c *gin.Context) {
	stats, err := a.stats.GetStats(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *API) handleSchedulerSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, a.scheduler.Snapshot())
}

// -- Catalog --

func (a *API) handleListServers(c *gin.Context) {
	ctx := c.Request.Context()
	reload, _ := strconv.ParseBool(c.DefaultQuery("showApiServers", "false"))

	if reload && a.settings.Get().HasProviderCredentials() {
		plans, err := a.catalog.ListPlans(ctx)
		switch {
		case err != nil:
			a.recorder.Errorf(ctx, apiSource, "Failed to load servers: %s", errs.Message(err))
		case len(plans) > 0:
			if err := a.store.ReplaceServerPlans(ctx, plans); err != nil {
				a.writeError(c, err)
				return
			}
			a.recorder.Infof(ctx, apiSource, "Loaded %d servers from OVH API", len(plans))
		}
	}

	plans, err := a.store.ListServerPlans(ctx)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if plans == nil {
		plans = []store.ServerPlan{}
	}
	c.JSON(http.StatusOK, plans)
}

func (a *API) handleGetAvailability(c *gin.Context) {
	planCode := c.Param("planCode")
	avail, err := a.catalog.Availability(c.Request.Context(), planCode)
	if err != nil || len(avail) == 0 {
		if err != nil {
			a.logger.WithError(err).WithField("plan", planCode).Debug("Availability check failed")
		}
		c.JSON(http.StatusNotFound, gin.H{})
		return
	}
	c.JSON(http.StatusOK, avail)
}

// -- Queue --

func (a *API) handleListQueue(c *gin.Context) {
	items, err := a.store.ListQueue(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	if items == nil {
		items = []*store.QueueItem{}
	}
	c.JSON(http.StatusOK, items)
}

func (a *API) handleAddQueueItem(c *gin.Context) {
	var target store.QueueTarget
	if err := c.ShouldBindJSON(&target); err != nil {
		a.writeError(c, errs.Validation("invalid request body: %v", err))
		return
	}

	ctx := c.Request.Context()
	item, err := a.store.Enqueue(ctx, target)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.recorder.Infof(ctx, apiSource, "Added %s in %s to queue", item.PlanCode, item.Datacenter)
	c.JSON(http.StatusOK, gin.H{"status": "success", "id": item.ID})
}

func (a *API) handleRemoveQueueItem(c *gin.Context) {
	ctx := c.Request.Context()
	item, err := a.scheduler.RemoveItem(ctx, c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.recorder.Infof(ctx, apiSource, "Removed %s from queue", item.PlanCode)
	success(c)
}

type statusRequest struct {
	Status store.QueueStatus `json:"status"`
}

func (a *API) handleUpdateQueueStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		a.writeError(c, errs.Validation("invalid request body: %v", err))
		return
	}

	var running bool
	switch store.QueueStatus(strings.ToLower(string(req.Status))) {
	case store.StatusRunning:
		running = true
	case store.StatusPending:
	default:
		a.writeError(c, errs.Validation("status must be %q or %q", store.StatusRunning, store.StatusPending))
		return
	}

	ctx := c.Request.Context()
	item, err := a.scheduler.SetRunning(ctx, c.Param("id"), running)
	if err != nil {
		a.writeError(c, err)
		return
	}
	a.recorder.Infof(ctx, apiSource, "Updated %s status to %s", item.PlanCode, item.Status)
	success(c)
}

// -- History and logs --

func (a *API) handleListHistory(c *gin.Context) {
	records, err := a.recorder.ListHistory(c.Request.Context(), recorder.HistoryFilter{
		Status: store.PurchaseStatus(strings.ToLower(c.Query("status"))),
		Query:  c.Query("q"),
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	if records == nil {
		records = []*store.PurchaseRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (a *API) handleClearHistory(c *gin.Context) {
	prune, _ := strconv.ParseBool(c.DefaultQuery("pruneTerminal", "false"))
	if err := a.recorder.ClearHistory(c.Request.Context(), prune); err != nil {
		a.writeError(c, err)
		return
	}
	success(c)
}

func (a *API) handleListLogs(c *gin.Context) {
	entries, err := a.recorder.ListLogs(c.Request.Context(), recorder.LogFilter{
		Level: store.LogLevel(strings.ToUpper(c.Query("level"))),
		Query: c.Query("q"),
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*store.LogEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (a *API) handleClearLogs(c *gin.Context) {
	if err := a.recorder.ClearLogs(c.Request.Context()); err != nil {
		a.writeError(c, err)
		return
	}
	success(c)
}
