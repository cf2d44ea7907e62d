package services

import (
	"testing"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBandStatusBoundaries(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, domain.StatusHealthy, bandStatus(100, cfg))
	assert.Equal(t, domain.StatusHealthy, bandStatus(80, cfg))
	assert.Equal(t, domain.StatusWarning, bandStatus(79.9, cfg))
	assert.Equal(t, domain.StatusWarning, bandStatus(60, cfg))
	assert.Equal(t, domain.StatusCritical, bandStatus(59.9, cfg))
	assert.Equal(t, domain.StatusCritical, bandStatus(0, cfg))
}

func TestAggregateEngineers(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	est := func(v float64) *float64 { return &v }

	var items []domain.WorkItem
	// Ada: 6 items in one project, WIP violation but focused
	for i := 0; i < 6; i++ {
		it := started(string(rune('a'+i)), "ENG", "u1", "Ada", "p1")
		it.Estimate = est(2)
		items = append(items, it)
	}
	// Grace: 2 items across 2 projects, focus violation only
	g1 := started("g1", "ENG", "u2", "Grace", "p1")
	startedAt := now.AddDate(0, 0, -10)
	g1.StartedAt = &startedAt
	g2 := started("g2", "INFRA", "u2", "Grace", "p2")
	items = append(items, g1, g2)
	// unassigned and non-started items never reach the aggregates
	items = append(items, wi("x1", "ENG-X1", "ENG", domain.StateTypeStarted, "p1"))
	items = append(items, started("x2", "ENG", "u3", "Linus", "p1"))
	items[len(items)-1].State.Type = domain.StateTypeCompleted

	engineers := AggregateEngineers(items, now, testConfig())
	require.Len(t, engineers, 2)

	ada, grace := engineers[0], engineers[1] // sorted by name
	assert.Equal(t, "Ada", ada.Name)
	assert.Equal(t, 6, ada.IssueCount)
	assert.InDelta(t, 12.0, ada.TotalEstimate, 0.001)
	assert.True(t, ada.WIPViolation)
	assert.False(t, ada.FocusViolation)
	assert.False(t, ada.Healthy())

	assert.Equal(t, "Grace", grace.Name)
	assert.Equal(t, 2, grace.ActiveProjects)
	assert.False(t, grace.WIPViolation)
	assert.True(t, grace.FocusViolation)
	assert.InDelta(t, 10.0, grace.OldestWIPDays, 0.1)
	assert.Equal(t, []string{"ENG", "INFRA"}, grace.TeamKeys)
}

func TestTeamHealthPillar(t *testing.T) {
	cfg := testConfig()

	p := teamHealthPillar(nil, cfg)
	assert.Equal(t, domain.StatusNoData, p.Status)

	engineers := []domain.Engineer{
		{Name: "Ada"},
		{Name: "Grace", WIPViolation: true},
		{Name: "Linus"},
		{Name: "Margaret", FocusViolation: true},
	}
	p = teamHealthPillar(engineers, cfg)
	assert.Equal(t, 4, p.EngineerCount)
	assert.Equal(t, 2, p.HealthyCount)
	assert.InDelta(t, 50.0, p.HealthyPercent, 0.001)
	assert.Equal(t, 1, p.WIPViolations)
	assert.Equal(t, 1, p.FocusViolations)
	assert.Equal(t, domain.StatusCritical, p.Status)
}

func TestIsBugLabelHeuristic(t *testing.T) {
	mk := func(labels ...string) domain.WorkItem {
		it := wi("1", "ENG-1", "ENG", domain.StateTypeStarted, "")
		it.Labels = labels
		return it
	}
	assert.True(t, isBug(mk("Bug")))
	assert.True(t, isBug(mk("bugfix")))
	assert.True(t, isBug(mk("feature", "Critical Bug")))
	assert.False(t, isBug(mk("feature", "debt")))
	assert.False(t, isBug(mk()))
}

func TestQualityPillarScore(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	inWindow := now.AddDate(0, 0, -3)
	outOfWindow := now.AddDate(0, 0, -30)

	bug := func(id, stateType string, createdAt time.Time, completedAt *time.Time) domain.WorkItem {
		it := wi(id, "ENG-"+id, "ENG", stateType, "")
		it.Labels = []string{"bug"}
		it.CreatedAt = createdAt
		it.CompletedAt = completedAt
		return it
	}

	items := []domain.WorkItem{
		bug("1", domain.StateTypeStarted, inWindow, nil),
		bug("2", domain.StateTypeUnstarted, outOfWindow, nil),
		bug("3", domain.StateTypeBacklog, inWindow, nil),
		bug("4", domain.StateTypeCompleted, outOfWindow, &inWindow),
		bug("5", domain.StateTypeCanceled, outOfWindow, nil),
		wi("6", "ENG-6", "ENG", domain.StateTypeStarted, ""), // not a bug
	}

	p := qualityPillar(items, now, cfg)
	assert.Equal(t, 3, p.OpenBugs)
	assert.Equal(t, 2, p.BugsOpened)
	assert.Equal(t, 1, p.BugsClosed)
	assert.Equal(t, 1, p.NetBugChange)
	// 100 - 3 open * 2 - 1 net * 5
	assert.Equal(t, 89, p.Score)
	assert.Equal(t, domain.StatusHealthy, p.Status)
}

func TestQualityPillarScoreClampsAtZero(t *testing.T) {
	now := time.Now()
	var items []domain.WorkItem
	for i := 0; i < 60; i++ {
		it := wi(string(rune('A'+i%26))+string(rune('a'+i/26)), "ENG-Q", "ENG", domain.StateTypeStarted, "")
		it.Labels = []string{"bug"}
		it.CreatedAt = now.AddDate(0, 0, -60)
		items = append(items, it)
	}
	p := qualityPillar(items, now, testConfig())
	assert.Equal(t, 0, p.Score)
	assert.Equal(t, domain.StatusCritical, p.Status)
}

func TestEstimateTrajectory(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := EstimateTrajectory{WindowDays: 14}
	est := func(v float64) *float64 { return &v }
	doneAt := now.AddDate(0, 0, -2)

	project := func(daysToTarget int) domain.Project {
		target := now.AddDate(0, 0, daysToTarget)
		return domain.Project{ID: "p1", TargetDate: &target}
	}
	completed := func(points float64) domain.WorkItem {
		it := wi("d", "ENG-D", "ENG", domain.StateTypeCompleted, "p1")
		it.Estimate = est(points)
		it.CompletedAt = &doneAt
		return it
	}
	remaining := func(points float64) domain.WorkItem {
		it := wi("r", "ENG-R", "ENG", domain.StateTypeStarted, "p1")
		it.Estimate = est(points)
		return it
	}

	// 14 points done in 14 days = 1/day; 10 remaining, 30 days left
	assert.Equal(t, domain.HealthOnTrack, c.Classify(project(30), []domain.WorkItem{completed(14), remaining(10)}, now))
	// 10 remaining at 1/day with 9 days left: inside the grace band
	assert.Equal(t, domain.HealthAtRisk, c.Classify(project(9), []domain.WorkItem{completed(14), remaining(10)}, now))
	// 10 remaining at 1/day with 5 days left: hopeless
	assert.Equal(t, domain.HealthOffTrack, c.Classify(project(5), []domain.WorkItem{completed(14), remaining(10)}, now))
	// no recent throughput but open scope
	assert.Equal(t, domain.HealthOffTrack, c.Classify(project(30), []domain.WorkItem{remaining(10)}, now))
	// everything shipped
	assert.Equal(t, domain.HealthOnTrack, c.Classify(project(5), []domain.WorkItem{completed(14)}, now))
	// target already passed with open scope
	assert.Equal(t, domain.HealthOffTrack, c.Classify(project(-1), []domain.WorkItem{completed(14), remaining(1)}, now))
}
