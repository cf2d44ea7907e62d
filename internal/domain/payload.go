/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package domain

import (
	"encoding/json"
	"fmt"
)

// PayloadSchemaVersion is embedded in every persisted snapshot payload so
// older snapshots stay parseable, or safely skippable, as pillars evolve.
const PayloadSchemaVersion = 1

// MetricsPayload is the versioned pillar data persisted with each snapshot.
// Every percentage in here is reproducible from stored work items plus the
// published threshold configuration.
type MetricsPayload struct {
	SchemaVersion int                `json:"schemaVersion"`
	TeamHealth    TeamHealthPillar   `json:"teamHealth"`
	Velocity      VelocityPillar     `json:"velocity"`
	Productivity  ProductivityPillar `json:"productivity"`
	Quality       QualityPillar      `json:"quality"`
}

// TeamHealthPillar reports per-engineer WIP discipline.
type TeamHealthPillar struct {
	Status          PillarStatus `json:"status"`
	EngineerCount   int          `json:"engineerCount"`
	HealthyCount    int          `json:"healthyCount"`
	HealthyPercent  float64      `json:"healthyPercent"`
	WIPViolations   int          `json:"wipViolations"`
	FocusViolations int          `json:"focusViolations"`
}

// VelocityPillar reconciles self-reported and trajectory-derived project
// health for projects carrying a target date.
type VelocityPillar struct {
	Status          PillarStatus `json:"status"`
	ProjectCount    int          `json:"projectCount"`
	OnTrack         int          `json:"onTrack"`
	AtRisk          int          `json:"atRisk"`
	OffTrack        int          `json:"offTrack"`
	OnTrackPercent  float64      `json:"onTrackPercent"`
	AtRiskPercent   float64      `json:"atRiskPercent"`
	OffTrackPercent float64      `json:"offTrackPercent"`
}

// ProductivityPillar divides an externally-sourced throughput signal by
// engineer count. Available is false when the upstream integration is not
// configured; the numbers then carry no meaning.
type ProductivityPillar struct {
	Status            PillarStatus `json:"status"`
	Available         bool         `json:"available"`
	EngineerCount     int          `json:"engineerCount"`
	WeeklyPerEngineer float64      `json:"weeklyPerEngineer"`
	GoalPerWeek       float64      `json:"goalPerWeek"`
	PercentOfGoal     int          `json:"percentOfGoal"`
}

// QualityPillar is a composite over open bugs and net bug change in the
// measurement window. Bug classification is a label-substring heuristic, not
// an exact taxonomy.
type QualityPillar struct {
	Status       PillarStatus `json:"status"`
	OpenBugs     int          `json:"openBugs"`
	BugsOpened   int          `json:"bugsOpened"`
	BugsClosed   int          `json:"bugsClosed"`
	NetBugChange int          `json:"netBugChange"`
	Score        int          `json:"score"`
}

// ParsePayload decodes a stored snapshot payload, rejecting unknown schema
// versions so trend queries can skip them instead of misreading fields.
func ParsePayload(raw []byte) (*MetricsPayload, error) {
	var probe struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &SnapshotParseError{Err: err}
	}
	if probe.SchemaVersion != PayloadSchemaVersion {
		return nil, &SnapshotParseError{Err: fmt.Errorf("unsupported schema version %d", probe.SchemaVersion)}
	}
	var p MetricsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &SnapshotParseError{Err: err}
	}
	return &p, nil
}
