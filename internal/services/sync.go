/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/Latermedia/linearbot-sub006/internal/repo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Syncer reconciles the local work-item mirror with the remote API. One run
// may be in flight per process; overlapping calls fail fast.
type Syncer struct {
	source   Source
	store    Store
	progress ProgressSink
	log      zerolog.Logger

	mu sync.Mutex
}

func NewSyncer(source Source, store Store, progress ProgressSink, log zerolog.Logger) *Syncer {
	if progress == nil {
		progress = NewNopSink()
	}
	return &Syncer{source: source, store: store, progress: progress, log: log}
}

// Synchronize runs one full reconciliation pass:
//
//  1. verify connectivity
//  2. fetch every in-progress item, drop ignored teams
//  3. backfill all items of every project touched by step 2
//  4. dedupe, first occurrence wins
//  5. upsert everything and delete stale or ignored rows in one transaction
//
// An empty remote result set is a valid outcome: nothing is written and
// nothing is deleted.
func (s *Syncer) Synchronize(ctx context.Context, ignoredTeamKeys []string) (rep *domain.SyncReport, err error) {
	if !s.mu.TryLock() {
		return nil, domain.ErrSyncInFlight
	}
	defer s.mu.Unlock()

	start := time.Now()
	runID := uuid.NewString()
	log := s.log.With().Str("run_id", runID).Logger()

	if err := s.source.TestConnection(ctx); err != nil {
		return nil, &domain.ConnectionError{Phase: domain.PhaseConnect, Err: err}
	}

	if startErr := s.store.StartSyncRun(ctx, runID); startErr != nil {
		log.Error().Err(startErr).Msg("failed to record sync run start")
	}
	defer func() {
		final := domain.SyncReport{RunID: runID, Elapsed: time.Since(start)}
		if rep != nil {
			final = *rep
		}
		errStr := ""
		if err != nil {
			errStr = err.Error()
		}
		if finErr := s.store.FinishSyncRun(ctx, runID, final, err == nil, errStr); finErr != nil {
			log.Error().Err(finErr).Msg("failed to record sync run finish")
		}
	}()

	ignored := make(map[string]struct{}, len(ignoredTeamKeys))
	for _, k := range ignoredTeamKeys {
		ignored[k] = struct{}{}
	}

	s.progress.Publish(ctx, "sync: fetching in-progress items")
	started, err := s.source.FetchByStateType(ctx, domain.StateTypeStarted, func(total, pageDelta int) {
		s.progress.Publish(ctx, fmt.Sprintf("sync: %d in-progress items fetched (+%d)", total, pageDelta))
	})
	if err != nil {
		return nil, wrapFetchErr(domain.PhaseFetchStarted, err)
	}

	ignoredCount := 0
	kept := started[:0:0]
	for _, it := range started {
		if _, skip := ignored[it.Team.Key]; skip {
			ignoredCount++
			continue
		}
		kept = append(kept, it)
	}

	projectIDs := distinctProjectIDs(kept)
	var backfill []domain.WorkItem
	if len(projectIDs) > 0 {
		s.progress.Publish(ctx, fmt.Sprintf("sync: backfilling %d projects", len(projectIDs)))
		backfill, err = s.source.FetchByProjectIDs(ctx, projectIDs, func(total int) {
			s.progress.Publish(ctx, fmt.Sprintf("sync: %d project items fetched", total))
		})
		if err != nil {
			return nil, wrapFetchErr(domain.PhaseFetchProjects, err)
		}
	}

	seen := make(map[string]struct{}, len(kept)+len(backfill))
	merged := make([]domain.WorkItem, 0, len(kept)+len(backfill))
	add := func(it domain.WorkItem, countIgnored bool) {
		if _, skip := ignored[it.Team.Key]; skip {
			if countIgnored {
				ignoredCount++
			}
			return
		}
		if _, dup := seen[it.ID]; dup {
			return
		}
		seen[it.ID] = struct{}{}
		merged = append(merged, it)
	}
	for _, it := range kept {
		add(it, false)
	}
	for _, it := range backfill {
		add(it, true)
	}

	if len(merged) == 0 {
		total, countErr := s.store.CountWorkItems(ctx)
		if countErr != nil {
			log.Warn().Err(countErr).Msg("failed to count stored items")
		}
		rep = &domain.SyncReport{RunID: runID, IgnoredFiltered: ignoredCount, TotalStored: total, Elapsed: time.Since(start)}
		log.Info().Int("ignored", ignoredCount).Msg("sync finished: remote returned no items, local mirror untouched")
		return rep, nil
	}

	existingIDs, err := s.store.GetAllIDs(ctx)
	if err != nil {
		return nil, err
	}
	stale := staleIDs(existingIDs, seen)

	var inserted, updated, deletedStale, deletedIgnored int
	err = s.store.RunInTransaction(ctx, func(tx repo.TxStore) error {
		for _, it := range merged {
			isInsert, upErr := tx.UpsertWorkItem(ctx, it)
			if upErr != nil {
				return upErr
			}
			if isInsert {
				inserted++
			} else {
				updated++
			}
		}
		var delErr error
		if deletedStale, delErr = tx.DeleteWorkItemsByIDs(ctx, stale); delErr != nil {
			return delErr
		}
		if deletedIgnored, delErr = tx.DeleteWorkItemsByTeamKeys(ctx, ignoredTeamKeys); delErr != nil {
			return delErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	total, err := s.store.CountWorkItems(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to count stored items")
		err = nil
	}

	rep = &domain.SyncReport{
		RunID:           runID,
		Inserted:        inserted,
		Updated:         updated,
		Deleted:         deletedStale + deletedIgnored,
		IgnoredFiltered: ignoredCount,
		TotalStored:     total,
		Elapsed:         time.Since(start),
	}
	log.Info().
		Int("inserted", rep.Inserted).
		Int("updated", rep.Updated).
		Int("deleted", rep.Deleted).
		Int("ignored", rep.IgnoredFiltered).
		Int("total", rep.TotalStored).
		Dur("elapsed", rep.Elapsed).
		Msg("sync finished")
	s.progress.Publish(ctx, fmt.Sprintf(
		"sync done: %d inserted, %d updated, %d deleted, %d ignored, %d stored",
		rep.Inserted, rep.Updated, rep.Deleted, rep.IgnoredFiltered, rep.TotalStored))
	return rep, nil
}

// LastRun reports the most recent recorded run, nil when none exists.
func (s *Syncer) LastRun(ctx context.Context) (*domain.SyncRun, error) {
	return s.store.GetLastSyncRun(ctx)
}

// wrapFetchErr keeps pagination-limit errors intact so callers can
// distinguish a tripped safety valve from a flaky upstream.
func wrapFetchErr(phase domain.SyncPhase, err error) error {
	var pl *domain.PaginationLimitError
	if errors.As(err, &pl) {
		return err
	}
	return &domain.ConnectionError{Phase: phase, Err: err}
}

func distinctProjectIDs(items []domain.WorkItem) []string {
	set := map[string]struct{}{}
	for _, it := range items {
		if it.Project != nil && it.Project.ID != "" {
			set[it.Project.ID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func staleIDs(existing []string, fetched map[string]struct{}) []string {
	var stale []string
	for _, id := range existing {
		if _, ok := fetched[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale
}
