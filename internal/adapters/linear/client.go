/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/config"
	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Client talks GraphQL to the Linear API. It is a dumb paginator: queries in,
// work items and cursors out.
type Client struct {
	baseURL        string
	apiKey         string
	pageSize       int
	pageSizeNested int
	maxPages       int
	maxConcurrency int
	http           *http.Client
	log            zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL:        cfg.LinearBaseURL,
		apiKey:         cfg.LinearAPIKey,
		pageSize:       cfg.PageSize,
		pageSizeNested: cfg.PageSizeNested,
		maxPages:       cfg.MaxPages,
		maxConcurrency: cfg.MaxConcurrency,
		http:           &http.Client{Timeout: cfg.HTTPTimeout},
		log:            log,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

func (c *Client) doGraphQL(ctx context.Context, query string, vars map[string]any, out any) error {
	if c.baseURL == "" { return errors.New("linear: empty baseURL") }
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil { return err }
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(300*(1<<attempt)) * time.Millisecond)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil { return err }
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.apiKey)
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil { return err }
		if resp.StatusCode >= 300 {
			apiErr := fmt.Errorf("linear api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
			if resp.StatusCode == 429 || resp.StatusCode >= 500 {
				lastErr = apiErr
				continue
			}
			return apiErr
		}
		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []graphQLError  `json:"errors"`
		}
		if err := json.Unmarshal(b, &envelope); err != nil { return err }
		if len(envelope.Errors) > 0 {
			return fmt.Errorf("linear graphql: %s", envelope.Errors[0].Message)
		}
		return json.Unmarshal(envelope.Data, out)
	}
	return lastErr
}

// TestConnection verifies the API is reachable and the key is accepted.
func (c *Client) TestConnection(ctx context.Context) error {
	var out struct {
		Viewer struct {
			ID string `json:"id"`
		} `json:"viewer"`
	}
	const q = `query { viewer { id } }`
	if err := c.doGraphQL(ctx, q, nil, &out); err != nil { return err }
	if out.Viewer.ID == "" { return errors.New("linear: empty viewer") }
	return nil
}

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type issueNode struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description *string  `json:"description"`
	Priority    int      `json:"priority"`
	Estimate    *float64 `json:"estimate"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
	StartedAt   *string  `json:"startedAt"`
	CompletedAt *string  `json:"completedAt"`
	CanceledAt  *string  `json:"canceledAt"`
	URL         string   `json:"url"`
	Team        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Key  string `json:"key"`
	} `json:"team"`
	State struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"state"`
	Assignee *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"assignee"`
	Project *struct {
		ID         string  `json:"id"`
		Name       string  `json:"name"`
		State      string  `json:"state"`
		Health     string  `json:"health"`
		UpdatedAt  *string `json:"updatedAt"`
		TargetDate *string `json:"targetDate"`
		StartDate  *string `json:"startDate"`
		Lead       *struct {
			Name string `json:"name"`
		} `json:"lead"`
	} `json:"project"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
	LastCommentAt *string `json:"lastCommentAt"`
	CommentCount  *int    `json:"commentCount"`
	Parent        *struct {
		ID string `json:"id"`
	} `json:"parent"`
}

const issueFields = `
    id identifier title description priority estimate
    createdAt updatedAt startedAt completedAt canceledAt url
    team { id name key }
    state { id name type }
    assignee { id name }
    project { id name state health updatedAt targetDate startDate lead { name } }
    labels { nodes { name } }
    lastCommentAt
    commentCount
    parent { id }`

const issuesByStateQuery = `query($type: String!, $first: Int!, $after: String) {
  issues(first: $first, after: $after, filter: { state: { type: { eq: $type } } }) {
    nodes {` + issueFields + `
    }
    pageInfo { hasNextPage endCursor }
  }
}`

const issuesByProjectQuery = `query($projectId: ID!, $first: Int!, $after: String) {
  issues(first: $first, after: $after, filter: { project: { id: { eq: $projectId } } }) {
    nodes {` + issueFields + `
    }
    pageInfo { hasNextPage endCursor }
  }
}`

type issuesPage struct {
	Issues struct {
		Nodes    []issueNode `json:"nodes"`
		PageInfo pageInfo    `json:"pageInfo"`
	} `json:"issues"`
}

// fetchIssuePages walks the cursor until exhaustion or the page ceiling.
func (c *Client) fetchIssuePages(ctx context.Context, phase domain.SyncPhase, query string, vars map[string]any, onPage func(nodes []issueNode)) error {
	pages := 0
	after := ""
	for {
		if pages >= c.maxPages {
			return &domain.PaginationLimitError{Phase: phase, Pages: pages, Limit: c.maxPages}
		}
		if after == "" {
			delete(vars, "after")
		} else {
			vars["after"] = after
		}
		var page issuesPage
		if err := c.doGraphQL(ctx, query, vars, &page); err != nil { return err }
		pages++
		if len(page.Issues.Nodes) > 0 { onPage(page.Issues.Nodes) }
		if !page.Issues.PageInfo.HasNextPage || page.Issues.PageInfo.EndCursor == "" {
			return nil
		}
		after = page.Issues.PageInfo.EndCursor
	}
}

// FetchByStateType pages through every issue whose workflow state has the
// given type. The query expands nested project and label objects, so pages
// are capped at the smaller nested page size.
func (c *Client) FetchByStateType(ctx context.Context, stateType string, onProgress func(total, pageDelta int)) ([]domain.WorkItem, error) {
	var items []domain.WorkItem
	vars := map[string]any{"type": stateType, "first": c.pageSizeNested}
	err := c.fetchIssuePages(ctx, domain.PhaseFetchStarted, issuesByStateQuery, vars, func(nodes []issueNode) {
		for _, n := range nodes { items = append(items, toWorkItem(n)) }
		if onProgress != nil { onProgress(len(items), len(nodes)) }
	})
	if err != nil { return nil, err }
	return items, nil
}

// FetchByProjectIDs pages through all issues belonging to each project, any
// state. Projects are fetched concurrently with a bounded group; the page
// ceiling applies per project.
func (c *Client) FetchByProjectIDs(ctx context.Context, ids []string, onProgress func(total int)) ([]domain.WorkItem, error) {
	if len(ids) == 0 { return nil, nil }
	var mu sync.Mutex
	var items []domain.WorkItem
	g, gctx := errgroup.WithContext(ctx)
	limit := c.maxConcurrency
	if limit <= 0 { limit = 4 }
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			vars := map[string]any{"projectId": id, "first": c.pageSizeNested}
			return c.fetchIssuePages(gctx, domain.PhaseFetchProjects, issuesByProjectQuery, vars, func(nodes []issueNode) {
				mu.Lock()
				for _, n := range nodes { items = append(items, toWorkItem(n)) }
				total := len(items)
				mu.Unlock()
				if onProgress != nil { onProgress(total) }
			})
		})
	}
	if err := g.Wait(); err != nil { return nil, err }
	return items, nil
}

type teamsPage struct {
	Teams struct {
		Nodes []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Key  string `json:"key"`
		} `json:"nodes"`
		PageInfo pageInfo `json:"pageInfo"`
	} `json:"teams"`
}

const teamsQuery = `query($first: Int!, $after: String) {
  teams(first: $first, after: $after) {
    nodes { id name key }
    pageInfo { hasNextPage endCursor }
  }
}`

// ListTeams pages through every team. The query expands no nested
// sub-objects, so it runs at the full page size.
func (c *Client) ListTeams(ctx context.Context) ([]domain.Team, error) {
	var teams []domain.Team
	pages := 0
	after := ""
	for {
		if pages >= c.maxPages {
			return nil, &domain.PaginationLimitError{Phase: domain.PhaseFetchTeams, Pages: pages, Limit: c.maxPages}
		}
		vars := map[string]any{"first": c.pageSize}
		if after != "" { vars["after"] = after }
		var page teamsPage
		if err := c.doGraphQL(ctx, teamsQuery, vars, &page); err != nil { return nil, err }
		pages++
		for _, n := range page.Teams.Nodes {
			teams = append(teams, domain.Team{ID: n.ID, Name: n.Name, Key: n.Key})
		}
		if !page.Teams.PageInfo.HasNextPage || page.Teams.PageInfo.EndCursor == "" {
			return teams, nil
		}
		after = page.Teams.PageInfo.EndCursor
	}
}

func toWorkItem(n issueNode) domain.WorkItem {
	w := domain.WorkItem{
		ID:            n.ID,
		Identifier:    n.Identifier,
		Title:         n.Title,
		Description:   n.Description,
		Team:          domain.Team{ID: n.Team.ID, Name: n.Team.Name, Key: n.Team.Key},
		State:         domain.State{ID: n.State.ID, Name: n.State.Name, Type: n.State.Type},
		Priority:      n.Priority,
		Estimate:      n.Estimate,
		CreatedAt:     parseTime(n.CreatedAt),
		UpdatedAt:     parseTime(n.UpdatedAt),
		StartedAt:     parseTimePtr(n.StartedAt),
		CompletedAt:   parseTimePtr(n.CompletedAt),
		CanceledAt:    parseTimePtr(n.CanceledAt),
		URL:           n.URL,
		LastCommentAt: parseTimePtr(n.LastCommentAt),
		CommentCount:  n.CommentCount,
	}
	if n.Assignee != nil {
		w.Assignee = &domain.User{ID: n.Assignee.ID, Name: n.Assignee.Name}
	}
	if n.Project != nil {
		p := &domain.Project{
			ID:         n.Project.ID,
			Name:       n.Project.Name,
			State:      n.Project.State,
			Health:     n.Project.Health,
			UpdatedAt:  parseTimePtr(n.Project.UpdatedAt),
			TargetDate: parseTimePtr(n.Project.TargetDate),
			StartDate:  parseTimePtr(n.Project.StartDate),
		}
		if n.Project.Lead != nil { p.Lead = n.Project.Lead.Name }
		w.Project = p
	}
	for _, l := range n.Labels.Nodes {
		if l.Name != "" { w.Labels = append(w.Labels, l.Name) }
	}
	if n.Parent != nil && n.Parent.ID != "" {
		id := n.Parent.ID
		w.ParentID = &id
	}
	return w
}

// timestamps arrive as RFC3339, dates (targetDate, startDate) as YYYY-MM-DD
var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

func parseTime(s string) time.Time {
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, s); err == nil { return t.UTC() }
	}
	return time.Time{}
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" { return nil }
	t := parseTime(*s)
	if t.IsZero() { return nil }
	return &t
}
