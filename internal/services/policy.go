/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/config"
	"github.com/Latermedia/linearbot-sub006/internal/domain"
)

// scopeItems narrows the full mirror down to one aggregation scope. Unknown
// domains or teams simply yield an empty slice.
func scopeItems(items []domain.WorkItem, level domain.Level, levelID string, domainTeams map[string][]string) []domain.WorkItem {
	switch level {
	case domain.LevelOrg:
		return items
	case domain.LevelTeam:
		var out []domain.WorkItem
		for _, it := range items {
			if it.Team.Key == levelID {
				out = append(out, it)
			}
		}
		return out
	case domain.LevelDomain:
		keys := map[string]struct{}{}
		for _, k := range domainTeams[levelID] {
			keys[k] = struct{}{}
		}
		var out []domain.WorkItem
		for _, it := range items {
			if _, ok := keys[it.Team.Key]; ok {
				out = append(out, it)
			}
		}
		return out
	}
	return nil
}

// AggregateEngineers groups the in-progress items by assignee and evaluates
// WIP and focus policy. Unassigned items carry no engineer and are skipped;
// they surface through the work-item views instead. Output order is
// deterministic (name, then id).
func AggregateEngineers(items []domain.WorkItem, now time.Time, cfg config.Config) []domain.Engineer {
	type acc struct {
		eng      domain.Engineer
		projects map[string]struct{}
		teams    map[string]struct{}
		oldest   time.Time
	}
	byID := map[string]*acc{}
	for _, it := range items {
		if it.State.Type != domain.StateTypeStarted || it.Assignee == nil {
			continue
		}
		a, ok := byID[it.Assignee.ID]
		if !ok {
			a = &acc{
				eng:      domain.Engineer{ID: it.Assignee.ID, Name: it.AssigneeName()},
				projects: map[string]struct{}{},
				teams:    map[string]struct{}{},
			}
			byID[it.Assignee.ID] = a
		}
		a.eng.IssueCount++
		if it.Estimate != nil {
			a.eng.TotalEstimate += *it.Estimate
		}
		if it.Project != nil && it.Project.ID != "" {
			a.projects[it.Project.ID] = struct{}{}
		}
		if it.Team.Key != "" {
			a.teams[it.Team.Key] = struct{}{}
		}
		started := it.CreatedAt
		if it.StartedAt != nil {
			started = *it.StartedAt
		}
		if a.oldest.IsZero() || started.Before(a.oldest) {
			a.oldest = started
		}
	}

	out := make([]domain.Engineer, 0, len(byID))
	for _, a := range byID {
		a.eng.ActiveProjects = len(a.projects)
		if !a.oldest.IsZero() {
			a.eng.OldestWIPDays = now.Sub(a.oldest).Hours() / 24
		}
		a.eng.WIPViolation = a.eng.IssueCount > cfg.WIPLimit
		a.eng.FocusViolation = a.eng.ActiveProjects > cfg.FocusLimit
		for k := range a.teams {
			a.eng.TeamKeys = append(a.eng.TeamKeys, k)
		}
		sort.Strings(a.eng.TeamKeys)
		out = append(out, a.eng)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// bandStatus maps a 0-100 value onto the shared threshold bands.
func bandStatus(value float64, cfg config.Config) domain.PillarStatus {
	switch {
	case value >= cfg.HealthyPercentMin:
		return domain.StatusHealthy
	case value >= cfg.WarningPercentMin:
		return domain.StatusWarning
	default:
		return domain.StatusCritical
	}
}

func teamHealthPillar(engineers []domain.Engineer, cfg config.Config) domain.TeamHealthPillar {
	p := domain.TeamHealthPillar{EngineerCount: len(engineers)}
	if len(engineers) == 0 {
		p.Status = domain.StatusNoData
		return p
	}
	for _, e := range engineers {
		if e.Healthy() {
			p.HealthyCount++
		}
		if e.WIPViolation {
			p.WIPViolations++
		}
		if e.FocusViolation {
			p.FocusViolations++
		}
	}
	p.HealthyPercent = float64(p.HealthyCount) / float64(p.EngineerCount) * 100
	p.Status = bandStatus(p.HealthyPercent, cfg)
	return p
}

// velocityPillar unions the human-reported and trajectory-derived health of
// every targeted project, taking the worse signal of the two.
func velocityPillar(items []domain.WorkItem, classifier TrajectoryClassifier, now time.Time, cfg config.Config) domain.VelocityPillar {
	projects := map[string]*domain.Project{}
	perProject := map[string][]domain.WorkItem{}
	for _, it := range items {
		if it.Project == nil || it.Project.ID == "" || it.Project.TargetDate == nil {
			continue
		}
		if _, ok := projects[it.Project.ID]; !ok {
			p := *it.Project
			projects[it.Project.ID] = &p
		}
		perProject[it.Project.ID] = append(perProject[it.Project.ID], it)
	}

	p := domain.VelocityPillar{ProjectCount: len(projects)}
	if len(projects) == 0 {
		p.Status = domain.StatusNoData
		return p
	}
	for id, proj := range projects {
		human := domain.ParseHealthState(proj.Health)
		derived := classifier.Classify(*proj, perProject[id], now)
		switch human.Worse(derived) {
		case domain.HealthOffTrack:
			p.OffTrack++
		case domain.HealthAtRisk:
			p.AtRisk++
		default:
			p.OnTrack++
		}
	}
	total := float64(p.ProjectCount)
	p.OnTrackPercent = float64(p.OnTrack) / total * 100
	p.AtRiskPercent = float64(p.AtRisk) / total * 100
	p.OffTrackPercent = float64(p.OffTrack) / total * 100
	p.Status = bandStatus(p.OnTrackPercent, cfg)
	return p
}

func productivityPillar(throughput float64, available bool, engineerCount int, cfg config.Config) domain.ProductivityPillar {
	p := domain.ProductivityPillar{
		Available:     available,
		EngineerCount: engineerCount,
		GoalPerWeek:   cfg.ThroughputGoalPerWeek,
	}
	if !available {
		p.Status = domain.StatusUnavailable
		return p
	}
	if engineerCount == 0 {
		p.Status = domain.StatusNoData
		return p
	}
	weeks := float64(cfg.MeasurementWindowDays) / 7
	if weeks <= 0 {
		weeks = 1
	}
	p.WeeklyPerEngineer = throughput / weeks / float64(engineerCount)
	if cfg.ThroughputGoalPerWeek > 0 {
		p.PercentOfGoal = int(math.Round(p.WeeklyPerEngineer / cfg.ThroughputGoalPerWeek * 100))
	}
	p.Status = bandStatus(float64(p.PercentOfGoal), cfg)
	return p
}

// isBug is a deliberate heuristic: any label containing "bug",
// case-insensitive, marks the item as a bug.
func isBug(it domain.WorkItem) bool {
	for _, l := range it.Labels {
		if strings.Contains(strings.ToLower(l), "bug") {
			return true
		}
	}
	return false
}

func qualityPillar(items []domain.WorkItem, now time.Time, cfg config.Config) domain.QualityPillar {
	since := now.AddDate(0, 0, -cfg.MeasurementWindowDays)
	var p domain.QualityPillar
	for _, it := range items {
		if !isBug(it) {
			continue
		}
		switch it.State.Type {
		case domain.StateTypeCompleted:
			if it.CompletedAt != nil && it.CompletedAt.After(since) {
				p.BugsClosed++
			}
		case domain.StateTypeCanceled:
			// canceled bugs count neither as open nor as closed
		default:
			p.OpenBugs++
		}
		if it.CreatedAt.After(since) {
			p.BugsOpened++
		}
	}
	p.NetBugChange = p.BugsOpened - p.BugsClosed
	penalty := p.OpenBugs * cfg.QualityOpenBugPenalty
	if p.NetBugChange > 0 {
		penalty += p.NetBugChange * cfg.QualityNetBugPenalty
	}
	p.Score = 100 - penalty
	if p.Score < 0 {
		p.Score = 0
	}
	p.Status = bandStatus(float64(p.Score), cfg)
	return p
}

// trajectoryGrace is the schedule slack tolerated before a projection is
// called off track rather than at risk.
const trajectoryGrace = 1.25

// EstimateTrajectory projects completion from throughput inside the
// measurement window. Items without an estimate count as one point.
type EstimateTrajectory struct {
	WindowDays int
}

func (e EstimateTrajectory) Classify(p domain.Project, items []domain.WorkItem, now time.Time) domain.HealthState {
	if p.TargetDate == nil {
		return domain.HealthOnTrack
	}
	window := e.WindowDays
	if window <= 0 {
		window = 14
	}
	since := now.AddDate(0, 0, -window)

	var done, remaining float64
	for _, it := range items {
		est := 1.0
		if it.Estimate != nil && *it.Estimate > 0 {
			est = *it.Estimate
		}
		switch it.State.Type {
		case domain.StateTypeCompleted:
			if it.CompletedAt != nil && it.CompletedAt.After(since) {
				done += est
			}
		case domain.StateTypeCanceled:
			// dropped scope, ignore
		default:
			remaining += est
		}
	}
	if remaining == 0 {
		return domain.HealthOnTrack
	}
	daysLeft := p.TargetDate.Sub(now).Hours() / 24
	if daysLeft <= 0 {
		return domain.HealthOffTrack
	}
	rate := done / float64(window)
	if rate <= 0 {
		return domain.HealthOffTrack
	}
	projected := remaining / rate
	switch {
	case projected <= daysLeft:
		return domain.HealthOnTrack
	case projected <= daysLeft*trajectoryGrace:
		return domain.HealthAtRisk
	default:
		return domain.HealthOffTrack
	}
}
