/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package domain

import (
	"errors"
	"fmt"
	"time"
)

// SyncPhase identifies where inside a reconciliation run an error surfaced.
type SyncPhase string

const (
	PhaseConnect       SyncPhase = "connect"
	PhaseFetchStarted  SyncPhase = "fetch_started"
	PhaseFetchProjects SyncPhase = "fetch_projects"
	PhaseFetchTeams    SyncPhase = "fetch_teams"
	PhaseStore         SyncPhase = "store"
)

// ErrSyncInFlight is returned when a reconciliation is requested while one is
// already running against the same store.
var ErrSyncInFlight = errors.New("sync already in progress")

// ErrUpstreamUnavailable marks the productivity signal's source integration
// as not configured; the pillar reports an explicit unavailable state instead
// of a false zero.
var ErrUpstreamUnavailable = errors.New("upstream productivity signal unavailable")

// ConnectionError means the remote source was unreachable. Fatal to the sync
// call; no partial work is performed and no retry happens inside the call.
type ConnectionError struct {
	Phase SyncPhase
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("remote source unreachable (phase %s): %v", e.Phase, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PaginationLimitError is the safety-valve trip on runaway pagination. It
// aborts the whole sync before any store mutation.
type PaginationLimitError struct {
	Phase SyncPhase
	Pages int
	Limit int
}

func (e *PaginationLimitError) Error() string {
	return fmt.Sprintf("pagination limit exceeded in phase %s: %d pages fetched, cap %d", e.Phase, e.Pages, e.Limit)
}

// StoreError wraps a transaction or query failure. Rollback is guaranteed by
// the store layer before this surfaces.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// SnapshotParseError means a stored snapshot payload does not match the
// expected shape. Recovered locally: trend queries skip the snapshot.
type SnapshotParseError struct {
	CapturedAt time.Time
	Err        error
}

func (e *SnapshotParseError) Error() string {
	return fmt.Sprintf("snapshot %s unparsable: %v", e.CapturedAt.Format(time.RFC3339), e.Err)
}

func (e *SnapshotParseError) Unwrap() error { return e.Err }
