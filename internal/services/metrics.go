/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/config"
	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/rs/zerolog"
)

// Engine computes pillar aggregates from the mirrored work items and serves
// trend queries over the append-only snapshot history.
type Engine struct {
	cfg        config.Config
	log        zerolog.Logger
	store      Store
	classifier TrajectoryClassifier
	throughput ThroughputProvider
	now        func() time.Time
}

func NewEngine(cfg config.Config, log zerolog.Logger, store Store, classifier TrajectoryClassifier, throughput ThroughputProvider) *Engine {
	if classifier == nil {
		classifier = EstimateTrajectory{WindowDays: cfg.MeasurementWindowDays}
	}
	if throughput == nil {
		throughput = UnconfiguredThroughput{}
	}
	return &Engine{cfg: cfg, log: log, store: store, classifier: classifier, throughput: throughput, now: time.Now}
}

// ComputeSnapshot builds the four pillars for one scope from the current
// mirror. Nothing is persisted.
func (e *Engine) ComputeSnapshot(ctx context.Context, level domain.Level, levelID string) (*domain.MetricsSnapshot, error) {
	items, err := e.store.ListWorkItems(ctx)
	if err != nil {
		return nil, err
	}
	return e.buildSnapshot(ctx, level, levelID, items), nil
}

func (e *Engine) buildSnapshot(ctx context.Context, level domain.Level, levelID string, items []domain.WorkItem) *domain.MetricsSnapshot {
	now := e.now()
	scoped := scopeItems(items, level, levelID, e.cfg.DomainTeams)
	engineers := AggregateEngineers(scoped, now, e.cfg)

	tp, available := 0.0, true
	if v, err := e.throughput.TrueThroughput(ctx, level, levelID); err != nil {
		available = false
		if !errors.Is(err, domain.ErrUpstreamUnavailable) {
			e.log.Warn().Err(err).Str("level", string(level)).Str("level_id", levelID).Msg("throughput provider failed")
		}
	} else {
		tp = v
	}

	return &domain.MetricsSnapshot{
		CapturedAt: now,
		Level:      level,
		LevelID:    levelID,
		Payload: domain.MetricsPayload{
			SchemaVersion: domain.PayloadSchemaVersion,
			TeamHealth:    teamHealthPillar(engineers, e.cfg),
			Velocity:      velocityPillar(scoped, e.classifier, now, e.cfg),
			Productivity:  productivityPillar(tp, available, len(engineers), e.cfg),
			Quality:       qualityPillar(scoped, now, e.cfg),
		},
	}
}

// CaptureSnapshot computes and appends one snapshot.
func (e *Engine) CaptureSnapshot(ctx context.Context, level domain.Level, levelID string) error {
	snap, err := e.ComputeSnapshot(ctx, level, levelID)
	if err != nil {
		return err
	}
	return e.store.AppendSnapshot(ctx, *snap)
}

// ComputeAllSnapshots captures the org scope, every configured domain and
// every team present in the mirror. A failing scope is logged and skipped so
// one bad aggregate cannot starve the rest of the history.
func (e *Engine) ComputeAllSnapshots(ctx context.Context) {
	items, err := e.store.ListWorkItems(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("snapshot capture aborted: cannot list work items")
		return
	}

	capture := func(level domain.Level, levelID string) {
		snap := e.buildSnapshot(ctx, level, levelID, items)
		if err := e.store.AppendSnapshot(ctx, *snap); err != nil {
			e.log.Error().Err(err).Str("level", string(level)).Str("level_id", levelID).Msg("failed to append snapshot")
		}
	}

	capture(domain.LevelOrg, "")
	for _, name := range e.cfg.DomainNames() {
		capture(domain.LevelDomain, name)
	}
	teams, err := e.store.ListTeamKeys(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to list team keys for snapshots")
		return
	}
	for _, key := range teams {
		capture(domain.LevelTeam, key)
	}
}

// TrendExtractor pulls one comparable value out of a payload. The second
// return reports whether the value is meaningful for this snapshot.
type TrendExtractor func(p *domain.MetricsPayload) (float64, bool)

var (
	ExtractHealthyPercent TrendExtractor = func(p *domain.MetricsPayload) (float64, bool) {
		return p.TeamHealth.HealthyPercent, p.TeamHealth.Status != domain.StatusNoData
	}
	ExtractOnTrackPercent TrendExtractor = func(p *domain.MetricsPayload) (float64, bool) {
		return p.Velocity.OnTrackPercent, p.Velocity.Status != domain.StatusNoData
	}
	ExtractPercentOfGoal TrendExtractor = func(p *domain.MetricsPayload) (float64, bool) {
		return float64(p.Productivity.PercentOfGoal), p.Productivity.Available
	}
	ExtractQualityScore TrendExtractor = func(p *domain.MetricsPayload) (float64, bool) {
		return float64(p.Quality.Score), true
	}
)

// trendFlatBand: changes below half a percent read as flat.
const trendFlatBand = 0.5

// ComputeTrend compares the earliest and latest usable snapshot inside the
// requested window. Snapshots with unparsable payloads are skipped, not
// fatal. When the history is younger than the window the trend is computed
// over what exists and flagged as a reduced window.
func (e *Engine) ComputeTrend(ctx context.Context, level domain.Level, levelID string, extract TrendExtractor, windowDays int) (*domain.Trend, error) {
	since := e.now().AddDate(0, 0, -windowDays)
	snaps, err := e.store.QuerySnapshots(ctx, level, levelID, since)
	if err != nil {
		return nil, err
	}

	type point struct {
		at time.Time
		v  float64
	}
	var points []point
	for _, s := range snaps {
		p, perr := domain.ParsePayload(s.Payload)
		if perr != nil {
			e.log.Warn().Err(perr).Time("captured_at", s.CapturedAt).Msg("skipping unreadable snapshot")
			continue
		}
		if v, ok := extract(p); ok {
			points = append(points, point{at: s.CapturedAt, v: v})
		}
	}
	if len(points) < 2 {
		return &domain.Trend{Direction: domain.TrendFlat, HasEnoughData: false, ActualDays: len(points)}, nil
	}

	first, last := points[0], points[len(points)-1]
	actualDays := int(last.at.Sub(first.at).Hours()/24) + 1
	if actualDays > windowDays {
		actualDays = windowDays
	}

	var pct float64
	switch {
	case first.v == 0 && last.v == 0:
		pct = 0
	case first.v == 0:
		pct = 100
	default:
		pct = (last.v - first.v) / first.v * 100
	}
	dir := domain.TrendFlat
	switch {
	case pct >= trendFlatBand:
		dir = domain.TrendUp
	case pct <= -trendFlatBand:
		dir = domain.TrendDown
	}
	return &domain.Trend{
		Direction:     dir,
		PercentChange: pct,
		HasEnoughData: true,
		ActualDays:    actualDays,
		ReducedWindow: actualDays < windowDays,
	}, nil
}

// MetricsOverview is the dashboard read model: the latest snapshot for a
// scope plus short- and long-window trends. HasData false means no usable
// snapshot exists yet; the caller must not invent zeros.
type MetricsOverview struct {
	Level      domain.Level            `json:"level"`
	LevelID    string                  `json:"levelId"`
	HasData    bool                    `json:"hasData"`
	CapturedAt *time.Time              `json:"capturedAt,omitempty"`
	Payload    *domain.MetricsPayload  `json:"payload,omitempty"`
	Trends     map[string]domain.Trend `json:"trends,omitempty"`
}

// overviewHistoryDays bounds the lookback when locating the latest snapshot.
const overviewHistoryDays = 90

func (e *Engine) Overview(ctx context.Context, level domain.Level, levelID string) (*MetricsOverview, error) {
	ov := &MetricsOverview{Level: level, LevelID: levelID}

	since := e.now().AddDate(0, 0, -overviewHistoryDays)
	snaps, err := e.store.QuerySnapshots(ctx, level, levelID, since)
	if err != nil {
		return nil, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		p, perr := domain.ParsePayload(snaps[i].Payload)
		if perr != nil {
			continue
		}
		at := snaps[i].CapturedAt
		ov.HasData = true
		ov.CapturedAt = &at
		ov.Payload = p
		break
	}
	if !ov.HasData {
		return ov, nil
	}

	ov.Trends = map[string]domain.Trend{}
	for name, ex := range map[string]TrendExtractor{
		"teamHealth":   ExtractHealthyPercent,
		"velocity":     ExtractOnTrackPercent,
		"productivity": ExtractPercentOfGoal,
		"quality":      ExtractQualityScore,
	} {
		for _, days := range []int{7, 30} {
			t, terr := e.ComputeTrend(ctx, level, levelID, ex, days)
			if terr != nil {
				return nil, terr
			}
			ov.Trends[fmt.Sprintf("%s%dd", name, days)] = *t
		}
	}
	return ov, nil
}

// Engineers returns the per-engineer WIP aggregates for one scope, computed
// live from the mirror.
func (e *Engine) Engineers(ctx context.Context, level domain.Level, levelID string) ([]domain.Engineer, error) {
	items, err := e.store.ListWorkItems(ctx)
	if err != nil {
		return nil, err
	}
	scoped := scopeItems(items, level, levelID, e.cfg.DomainTeams)
	return AggregateEngineers(scoped, e.now(), e.cfg), nil
}
