/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
	"github.com/gin-gonic/gin"

	"github.com/Latermedia/linearbot-sub006/internal/config"
	"github.com/rs/zerolog"
)

func NewRouter(cfg config.Config, log zerolog.Logger, sync syncService, metrics metricsService, digest digestService) *gin.Engine {
	if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		c.Next()
		log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
	})

	h := NewHandlers(cfg, log, sync, metrics, digest)

	r.GET("/healthz", h.Healthz)
	r.GET("/api/metrics", h.Metrics)
	r.GET("/api/engineers", h.Engineers)
	r.POST("/admin/sync", h.SyncNow)
	r.GET("/admin/last-run", h.LastRun)
	r.POST("/admin/digest", h.DigestNow)

	return r
}
