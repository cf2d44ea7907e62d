/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package domain

// HealthState is a project health signal, either self-reported by humans or
// derived from velocity trajectory.
type HealthState string

const (
	HealthOnTrack  HealthState = "onTrack"
	HealthAtRisk   HealthState = "atRisk"
	HealthOffTrack HealthState = "offTrack"
)

// severity ordering: offTrack > atRisk > onTrack. Unknown strings rank as
// onTrack so a missing signal can never mask the other one.
var healthRank = map[HealthState]int{
	HealthOnTrack:  0,
	HealthAtRisk:   1,
	HealthOffTrack: 2,
}

// Worse returns the more severe of the two signals. Neither signal can mask a
// problem the other detects.
func (h HealthState) Worse(other HealthState) HealthState {
	if healthRank[other] > healthRank[h] {
		return other
	}
	return h
}

// ParseHealthState normalizes the tracker's project health field.
func ParseHealthState(s string) HealthState {
	switch s {
	case "atRisk":
		return HealthAtRisk
	case "offTrack":
		return HealthOffTrack
	default:
		return HealthOnTrack
	}
}

// PillarStatus is the closed status enum shared by all four pillars.
type PillarStatus string

const (
	StatusHealthy     PillarStatus = "healthy"
	StatusWarning     PillarStatus = "warning"
	StatusCritical    PillarStatus = "critical"
	StatusUnavailable PillarStatus = "unavailable"
	StatusNoData      PillarStatus = "noData"
)
