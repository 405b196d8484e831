// Package gateway exposes the registered services over REST.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/docservice/pkg/health"
	"github.com/nimburion/docservice/pkg/observability/logger"
	"github.com/nimburion/docservice/pkg/observability/metrics"
	"github.com/nimburion/docservice/pkg/service"
)

// Caller runs "<service>.<action>" calls. *broker.Broker implements it.
type Caller interface {
	Call(ctx context.Context, name string, params service.Params) (interface{}, error)
}

// Options configures the gateway. Health, Metrics and RateLimit are optional.
type Options struct {
	Caller    Caller
	Health    *health.Registry
	Metrics   *metrics.Registry
	Logger    logger.Logger
	RateLimit RateLimitConfig
}

// SuccessResponse wraps a successful result.
type SuccessResponse struct {
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// Gateway maps HTTP routes onto action calls.
type Gateway struct {
	caller  Caller
	health  *health.Registry
	metrics *metrics.Registry
	log     logger.Logger
	limiter *TokenBucketLimiter
	engine  *gin.Engine
}

// New builds the gateway and its routes.
func New(opts Options) (*Gateway, error) {
	if opts.Caller == nil {
		return nil, errors.New("gateway requires a caller")
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	g := &Gateway{
		caller:  opts.Caller,
		health:  opts.Health,
		metrics: opts.Metrics,
		log:     log.With("component", "gateway"),
		engine:  gin.New(),
	}
	if opts.RateLimit.RequestsPerSecond > 0 {
		g.limiter = NewTokenBucketLimiter(opts.RateLimit.RequestsPerSecond, opts.RateLimit.Burst)
	}
	g.engine.Use(requestID(), tracing(), accessLog(g.log), recovery(g.log), httpMetrics())
	g.routes()
	return g, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.engine.ServeHTTP(w, r)
}

func (g *Gateway) routes() {
	g.engine.GET("/health", g.handleHealth)
	if g.metrics != nil {
		g.engine.GET("/metrics", gin.WrapH(g.metrics.Handler()))
	}
	g.engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "route not found")
	})

	api := g.engine.Group("/api/:service")
	if g.limiter != nil {
		api.Use(rateLimit(g.limiter))
	}
	api.GET("", g.handleList)
	api.GET("/count", g.handleCount)
	api.POST("", g.handleCreate)
	api.DELETE("", g.handleDrop)
	api.GET("/:id", g.handleGet)
	api.PUT("/:id", g.handleUpdate)
	api.PATCH("/:id", g.handleUpdate)
	api.DELETE("/:id", g.handleRemove)
}

func (g *Gateway) call(c *gin.Context, action string, params service.Params) (interface{}, bool) {
	result, err := g.caller.Call(c.Request.Context(), c.Param("service")+"."+action, params)
	if err != nil {
		g.fail(c, err)
		return nil, false
	}
	return result, true
}

func (g *Gateway) handleList(c *gin.Context) {
	params := service.Params{}
	for _, key := range []string{service.ParamLimit, service.ParamOffset} {
		if v, ok := c.GetQuery(key); ok {
			params[key] = queryInt(v)
		}
	}
	for _, key := range []string{service.ParamSort, service.ParamSearch} {
		if v, ok := c.GetQuery(key); ok {
			params[key] = v
		}
	}
	if result, ok := g.call(c, service.ActionList, params); ok {
		respond(c, http.StatusOK, result)
	}
}

// queryInt keeps unparsable values as strings; the filter pipeline ignores non-integers.
func queryInt(v string) interface{} {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return v
}

func (g *Gateway) handleCount(c *gin.Context) {
	params := service.Params{}
	if v, ok := c.GetQuery(service.ParamSearch); ok {
		params[service.ParamSearch] = v
	}
	if result, ok := g.call(c, service.ActionCount, params); ok {
		respond(c, http.StatusOK, result)
	}
}

func (g *Gateway) handleCreate(c *gin.Context) {
	body, ok := bindObject(c)
	if !ok {
		return
	}
	if result, ok := g.call(c, service.ActionCreate, service.Params{service.ParamEntity: body}); ok {
		respond(c, http.StatusCreated, result)
	}
}

func (g *Gateway) handleGet(c *gin.Context) {
	result, ok := g.call(c, service.ActionGet, service.Params{service.ParamID: c.Param("id")})
	if !ok {
		return
	}
	if result == nil {
		writeError(c, http.StatusNotFound, "not_found", "document not found")
		return
	}
	respond(c, http.StatusOK, result)
}

func (g *Gateway) handleUpdate(c *gin.Context) {
	body, ok := bindObject(c)
	if !ok {
		return
	}
	result, ok := g.call(c, service.ActionUpdate, service.Params{
		service.ParamID:     c.Param("id"),
		service.ParamUpdate: body,
	})
	if !ok {
		return
	}
	if result == nil {
		writeError(c, http.StatusNotFound, "not_found", "document not found")
		return
	}
	respond(c, http.StatusOK, result)
}

func (g *Gateway) handleRemove(c *gin.Context) {
	if _, ok := g.call(c, service.ActionRemove, service.Params{service.ParamID: c.Param("id")}); ok {
		c.Status(http.StatusNoContent)
	}
}

func (g *Gateway) handleDrop(c *gin.Context) {
	if _, ok := g.call(c, service.ActionDrop, nil); ok {
		c.Status(http.StatusNoContent)
	}
}

func (g *Gateway) handleHealth(c *gin.Context) {
	if g.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}
	result := g.health.Check(c.Request.Context())
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}

func bindObject(c *gin.Context) (map[string]interface{}, bool) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		msg := "request body must be a JSON object"
		if errors.Is(err, io.EOF) {
			msg = "request body is empty"
		}
		writeError(c, http.StatusBadRequest, "bad_request", msg)
		return nil, false
	}
	if body == nil {
		writeError(c, http.StatusBadRequest, "bad_request", "request body must be a JSON object")
		return nil, false
	}
	return body, true
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, SuccessResponse{Data: data, RequestID: RequestID(c.Request.Context())})
}
