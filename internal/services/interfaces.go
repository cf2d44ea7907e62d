/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/Latermedia/linearbot-sub006/internal/repo"
	"github.com/rs/zerolog"
)

// Source is the remote work-item API, reduced to a black-box paginator.
type Source interface {
	TestConnection(ctx context.Context) error
	FetchByStateType(ctx context.Context, stateType string, onProgress func(total, pageDelta int)) ([]domain.WorkItem, error)
	FetchByProjectIDs(ctx context.Context, ids []string, onProgress func(total int)) ([]domain.WorkItem, error)
}

// Store is the durable side: work items, snapshots and run records.
type Store interface {
	GetAllIDs(ctx context.Context) ([]string, error)
	CountWorkItems(ctx context.Context) (int, error)
	ListWorkItems(ctx context.Context) ([]domain.WorkItem, error)
	ListTeamKeys(ctx context.Context) ([]string, error)
	RunInTransaction(ctx context.Context, fn func(tx repo.TxStore) error) error
	AppendSnapshot(ctx context.Context, s domain.MetricsSnapshot) error
	QuerySnapshots(ctx context.Context, level domain.Level, levelID string, since time.Time) ([]domain.StoredSnapshot, error)
	StartSyncRun(ctx context.Context, id string) error
	FinishSyncRun(ctx context.Context, id string, rep domain.SyncReport, success bool, errStr string) error
	GetLastSyncRun(ctx context.Context) (*domain.SyncRun, error)
}

// ProgressSink receives human-readable progress strings. Fire-and-forget: a
// sink can never fail a sync.
type ProgressSink interface {
	Publish(ctx context.Context, msg string)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, string) {}

// NewNopSink returns a sink that drops everything.
func NewNopSink() ProgressSink { return nopSink{} }

type logSink struct{ log zerolog.Logger }

func (s logSink) Publish(_ context.Context, msg string) { s.log.Info().Msg(msg) }

// NewLogSink returns a sink that forwards progress lines to the logger.
func NewLogSink(log zerolog.Logger) ProgressSink { return logSink{log: log} }

// TrajectoryClassifier derives a velocity-based project health signal from
// recent throughput vs remaining scope. Pluggable so the projection can be
// replaced without touching the pillar math.
type TrajectoryClassifier interface {
	Classify(p domain.Project, items []domain.WorkItem, now time.Time) domain.HealthState
}

// ThroughputProvider serves the externally-sourced TrueThroughput signal for
// one aggregation scope. Implementations return ErrUpstreamUnavailable when
// the integration is not configured.
type ThroughputProvider interface {
	TrueThroughput(ctx context.Context, level domain.Level, levelID string) (float64, error)
}

// UnconfiguredThroughput reports the upstream integration as absent.
type UnconfiguredThroughput struct{}

func (UnconfiguredThroughput) TrueThroughput(context.Context, domain.Level, string) (float64, error) {
	return 0, domain.ErrUpstreamUnavailable
}

// StaticThroughput serves fixed per-scope values keyed "level/levelId".
type StaticThroughput map[string]float64

func (m StaticThroughput) TrueThroughput(_ context.Context, level domain.Level, levelID string) (float64, error) {
	if v, ok := m[string(level)+"/"+levelID]; ok {
		return v, nil
	}
	return 0, domain.ErrUpstreamUnavailable
}
