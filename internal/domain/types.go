/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package domain

import "time"

// State types as reported by the tracker API.
const (
	StateTypeBacklog   = "backlog"
	StateTypeUnstarted = "unstarted"
	StateTypeStarted   = "started"
	StateTypeCompleted = "completed"
	StateTypeCanceled  = "canceled"
)

type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

type State struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Project struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	State      string     `json:"state"`
	Health     string     `json:"health"`
	UpdatedAt  *time.Time `json:"updatedAt"`
	TargetDate *time.Time `json:"targetDate"`
	StartDate  *time.Time `json:"startDate"`
	Lead       string     `json:"lead"`
}

// WorkItem is one remote issue. ID is the sole identity used for upserts and
// for diffing against the store.
type WorkItem struct {
	ID            string     `json:"id"`
	Identifier    string     `json:"identifier"`
	Title         string     `json:"title"`
	Description   *string    `json:"description"`
	Team          Team       `json:"team"`
	State         State      `json:"state"`
	Assignee      *User      `json:"assignee"`
	Priority      int        `json:"priority"`
	Estimate      *float64   `json:"estimate"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	StartedAt     *time.Time `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt"`
	CanceledAt    *time.Time `json:"canceledAt"`
	URL           string     `json:"url"`
	Project       *Project   `json:"project"`
	Labels        []string   `json:"labels"`
	LastCommentAt *time.Time `json:"lastCommentAt"`
	CommentCount  *int       `json:"commentCount"`
	ParentID      *string    `json:"parentId"`
}

// AssigneeName returns the display name, with nil assignees bucketed as
// "Unassigned".
func (w WorkItem) AssigneeName() string {
	if w.Assignee == nil || w.Assignee.Name == "" {
		return "Unassigned"
	}
	return w.Assignee.Name
}

func (w WorkItem) AssigneeID() string {
	if w.Assignee == nil {
		return ""
	}
	return w.Assignee.ID
}

// Engineer is a derived aggregate over the current WIP set, grouped by
// assignee. Never persisted; recomputed on each query.
type Engineer struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	IssueCount     int      `json:"issueCount"`
	TotalEstimate  float64  `json:"totalEstimate"`
	ActiveProjects int      `json:"activeProjects"`
	OldestWIPDays  float64  `json:"oldestWipDays"`
	WIPViolation   bool     `json:"wipViolation"`
	FocusViolation bool     `json:"focusViolation"`
	TeamKeys       []string `json:"teamKeys"`
}

func (e Engineer) Healthy() bool { return !e.WIPViolation && !e.FocusViolation }

// Aggregation levels for metrics snapshots.
type Level string

const (
	LevelOrg    Level = "org"
	LevelDomain Level = "domain"
	LevelTeam   Level = "team"
)

// MetricsSnapshot is one computed aggregate. Snapshots are append-only and
// never mutated after capture.
type MetricsSnapshot struct {
	CapturedAt time.Time      `json:"capturedAt"`
	Level      Level          `json:"level"`
	LevelID    string         `json:"levelId"`
	Payload    MetricsPayload `json:"payload"`
}

// StoredSnapshot is a snapshot row as read back from the store, payload still
// raw so that unparsable history can be skipped instead of failing a query.
type StoredSnapshot struct {
	CapturedAt time.Time
	Level      Level
	LevelID    string
	Payload    []byte
}

// SyncReport summarizes one reconciliation run.
type SyncReport struct {
	RunID           string        `json:"runId"`
	Inserted        int           `json:"inserted"`
	Updated         int           `json:"updated"`
	Deleted         int           `json:"deleted"`
	IgnoredFiltered int           `json:"ignoredFiltered"`
	TotalStored     int           `json:"totalStored"`
	Elapsed         time.Duration `json:"elapsed"`
}

// SyncRun is the persisted record of a reconciliation run.
type SyncRun struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Inserted   int        `json:"inserted"`
	Updated    int        `json:"updated"`
	Deleted    int        `json:"deleted"`
	Ignored    int        `json:"ignored"`
	Success    bool       `json:"success"`
	Error      string     `json:"error"`
}

type TrendDirection string

const (
	TrendUp   TrendDirection = "up"
	TrendDown TrendDirection = "down"
	TrendFlat TrendDirection = "flat"
)

// Trend compares the earliest and latest extracted value inside a window.
// ActualDays may be less than the requested window near the start of data
// collection; ReducedWindow flags that so callers can present low-confidence
// trends accordingly.
type Trend struct {
	Direction     TrendDirection `json:"direction"`
	PercentChange float64        `json:"percentChange"`
	HasEnoughData bool           `json:"hasEnoughData"`
	ActualDays    int            `json:"actualDays"`
	ReducedWindow bool           `json:"reducedWindow"`
}
