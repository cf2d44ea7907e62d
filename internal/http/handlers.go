/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Latermedia/linearbot-sub006/internal/config"
	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/Latermedia/linearbot-sub006/internal/services"
	"github.com/rs/zerolog"
)

type syncService interface {
	Synchronize(ctx context.Context, ignoredTeamKeys []string) (*domain.SyncReport, error)
	LastRun(ctx context.Context) (*domain.SyncRun, error)
}

type metricsService interface {
	Overview(ctx context.Context, level domain.Level, levelID string) (*services.MetricsOverview, error)
	Engineers(ctx context.Context, level domain.Level, levelID string) ([]domain.Engineer, error)
	ComputeAllSnapshots(ctx context.Context)
}

type digestService interface {
	Send(ctx context.Context) error
}

type Handlers struct {
	cfg     config.Config
	log     zerolog.Logger
	sync    syncService
	metrics metricsService
	digest  digestService
}

func NewHandlers(cfg config.Config, log zerolog.Logger, sync syncService, metrics metricsService, digest digestService) *Handlers {
	return &Handlers{cfg: cfg, log: log, sync: sync, metrics: metrics, digest: digest}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// scope reads and validates the level/levelId query pair. The org level
// ignores levelId; the other two require it.
func scope(c *gin.Context) (domain.Level, string, bool) {
	level := domain.Level(c.DefaultQuery("level", string(domain.LevelOrg)))
	levelID := c.Query("levelId")
	switch level {
	case domain.LevelOrg:
		return level, "", true
	case domain.LevelDomain, domain.LevelTeam:
		if levelID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "levelId is required for level " + string(level)})
			return level, "", false
		}
		return level, levelID, true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level"})
	return level, "", false
}

func (h *Handlers) Metrics(c *gin.Context) {
	level, levelID, ok := scope(c)
	if !ok { return }
	ov, err := h.metrics.Overview(c.Request.Context(), level, levelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (h *Handlers) Engineers(c *gin.Context) {
	level, levelID, ok := scope(c)
	if !ok { return }
	engineers, err := h.metrics.Engineers(c.Request.Context(), level, levelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if engineers == nil { engineers = []domain.Engineer{} }
	c.JSON(http.StatusOK, gin.H{"engineers": engineers})
}

// SyncNow queues a reconciliation run detached from the HTTP request so a
// client timeout cannot cancel it. Overlap is rejected inside the syncer.
func (h *Handlers) SyncNow(c *gin.Context) {
	go func() {
		rep, err := h.sync.Synchronize(context.Background(), h.cfg.IgnoredTeamKeys)
		if err != nil {
			h.log.Error().Err(err).Msg("manual sync failed")
			return
		}
		h.log.Info().Str("run_id", rep.RunID).Msg("manual sync finished")
		h.metrics.ComputeAllSnapshots(context.Background())
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handlers) LastRun(c *gin.Context) {
	lr, err := h.sync.LastRun(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if lr == nil {
		c.JSON(http.StatusOK, gin.H{"lastRun": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lastRun": lr})
}

func (h *Handlers) DigestNow(c *gin.Context) {
	go func() {
		if err := h.digest.Send(context.Background()); err != nil {
			h.log.Error().Err(err).Msg("manual digest failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
