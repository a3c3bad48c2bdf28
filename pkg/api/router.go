// Package api exposes the accelerator's introspection surface over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"speechrnt-accel/pkg/accel"
	"speechrnt-accel/pkg/voice"
)

// Router wires the HTTP endpoints over an accelerator and a voice catalog.
type Router struct {
	engine *gin.Engine
	accel  *accel.Accelerator
	voices *voice.Catalog
	logger *log.Logger
}

// NewRouter builds the gin engine with all routes and middleware attached.
func NewRouter(a *accel.Accelerator, voices *voice.Catalog, logger *log.Logger, gatherer prometheus.Gatherer) *Router {
	gin.SetMode(gin.ReleaseMode)

	r := &Router{
		engine: gin.New(),
		accel:  a,
		voices: voices,
		logger: logger,
	}

	r.engine.Use(RequestID())
	r.engine.Use(Logging(logger))
	r.engine.Use(gin.Recovery())

	r.engine.GET("/health", r.health)
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.engine.Group("/api/v1")
	{
		devices := v1.Group("/devices")
		{
			devices.GET("", r.listDevices)
			devices.GET("/best", r.bestDevice)
			devices.GET("/current", r.currentDevice)
		}

		v1.GET("/stats", r.stats)
		v1.POST("/stats/reset", r.resetStats)
		v1.GET("/history", r.history)
		v1.GET("/alerts", r.alerts)

		models := v1.Group("/models")
		{
			models.GET("", r.listModels)
			models.POST("", r.loadModel)
			models.POST("/unload", r.unloadModel)
		}

		v1.GET("/sessions", r.listSessions)

		voicesGroup := v1.Group("/voices")
		{
			voicesGroup.GET("/languages", r.voiceLanguages)
			voicesGroup.GET("/:lang", r.voicesFor)
			voicesGroup.GET("/:lang/pick", r.pickVoice)
			voicesGroup.POST("/preference", r.setVoicePreference)
		}
	}

	return r
}

// Engine returns the underlying gin engine, mainly for tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Run serves HTTP on addr until the listener fails.
func (r *Router) Run(addr string) error {
	r.logger.Infof("HTTP API listening on %s", addr)

	return r.engine.Run(addr)
}

func (r *Router) health(c *gin.Context) {
	status := "degraded"
	if r.accel.IsOperational() {
		status = "healthy"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"gpu_available": r.accel.GPUAvailable(),
	})
}
