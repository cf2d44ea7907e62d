/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/config"
	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
	return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

// TxStore is the write surface available inside one reconciliation
// transaction. All writes through it commit together or not at all.
type TxStore interface {
	UpsertWorkItem(ctx context.Context, w domain.WorkItem) (bool, error)
	DeleteWorkItemsByIDs(ctx context.Context, ids []string) (int, error)
	DeleteWorkItemsByTeamKeys(ctx context.Context, keys []string) (int, error)
}

type Repository struct {
	db  *DB
	log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
	return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
	if !ok && err == nil { return errors.New("advisory unlock returned false") }
	return err
}

// ---- work items ----

func (r *Repository) GetAllIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM work_items`)
	if err != nil { return nil, &domain.StoreError{Op: "get ids", Err: err} }
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil { return nil, &domain.StoreError{Op: "get ids", Err: err} }
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *Repository) CountWorkItems(ctx context.Context) (int, error) {
	var n int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM work_items`).Scan(&n); err != nil {
		return 0, &domain.StoreError{Op: "count", Err: err}
	}
	return n, nil
}

const workItemColumns = `id, identifier, title, description,
    team_id, team_name, team_key,
    state_id, state_name, state_type,
    assignee_id, assignee_name, priority, estimate,
    created_at, updated_at, started_at, completed_at, canceled_at, url,
    project_id, project_name, project_state, project_health,
    project_updated_at, project_target_date, project_start_date, project_lead,
    labels, last_comment_at, comment_count, parent_id`

// ListWorkItems reads the whole table with one statement, which is one
// consistent snapshot as far as Postgres is concerned; metrics never see a
// half-upserted set.
func (r *Repository) ListWorkItems(ctx context.Context) ([]domain.WorkItem, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+workItemColumns+` FROM work_items ORDER BY identifier`)
	if err != nil { return nil, &domain.StoreError{Op: "list", Err: err} }
	defer rows.Close()
	var out []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil { return nil, &domain.StoreError{Op: "list", Err: err} }
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkItem(rows pgx.Rows) (domain.WorkItem, error) {
	var w domain.WorkItem
	var assigneeID, assigneeName *string
	var projectID, projectName, projectState, projectHealth, projectLead *string
	var projectUpdatedAt, projectTargetDate, projectStartDate *time.Time
	err := rows.Scan(
		&w.ID, &w.Identifier, &w.Title, &w.Description,
		&w.Team.ID, &w.Team.Name, &w.Team.Key,
		&w.State.ID, &w.State.Name, &w.State.Type,
		&assigneeID, &assigneeName, &w.Priority, &w.Estimate,
		&w.CreatedAt, &w.UpdatedAt, &w.StartedAt, &w.CompletedAt, &w.CanceledAt, &w.URL,
		&projectID, &projectName, &projectState, &projectHealth,
		&projectUpdatedAt, &projectTargetDate, &projectStartDate, &projectLead,
		&w.Labels, &w.LastCommentAt, &w.CommentCount, &w.ParentID,
	)
	if err != nil { return w, err }
	if assigneeID != nil {
		name := ""
		if assigneeName != nil { name = *assigneeName }
		w.Assignee = &domain.User{ID: *assigneeID, Name: name}
	}
	if projectID != nil {
		p := &domain.Project{ID: *projectID, UpdatedAt: projectUpdatedAt, TargetDate: projectTargetDate, StartDate: projectStartDate}
		if projectName != nil { p.Name = *projectName }
		if projectState != nil { p.State = *projectState }
		if projectHealth != nil { p.Health = *projectHealth }
		if projectLead != nil { p.Lead = *projectLead }
		w.Project = p
	}
	return w, nil
}

// Tx wraps one open transaction.
type Tx struct {
	tx pgx.Tx
}

// RunInTransaction opens a transaction, runs fn against it and commits;
// any error from fn rolls everything back.
func (r *Repository) RunInTransaction(ctx context.Context, fn func(tx TxStore) error) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil { return &domain.StoreError{Op: "begin", Err: err} }
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil { return &domain.StoreError{Op: "commit", Err: err} }
	return nil
}

const upsertWorkItemSQL = `
    INSERT INTO work_items(` + workItemColumns + `)
    VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
           $21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)
    ON CONFLICT(id) DO UPDATE SET
        identifier=EXCLUDED.identifier,
        title=EXCLUDED.title,
        description=EXCLUDED.description,
        team_id=EXCLUDED.team_id,
        team_name=EXCLUDED.team_name,
        team_key=EXCLUDED.team_key,
        state_id=EXCLUDED.state_id,
        state_name=EXCLUDED.state_name,
        state_type=EXCLUDED.state_type,
        assignee_id=EXCLUDED.assignee_id,
        assignee_name=EXCLUDED.assignee_name,
        priority=EXCLUDED.priority,
        estimate=EXCLUDED.estimate,
        created_at=EXCLUDED.created_at,
        updated_at=EXCLUDED.updated_at,
        started_at=EXCLUDED.started_at,
        completed_at=EXCLUDED.completed_at,
        canceled_at=EXCLUDED.canceled_at,
        url=EXCLUDED.url,
        project_id=EXCLUDED.project_id,
        project_name=EXCLUDED.project_name,
        project_state=EXCLUDED.project_state,
        project_health=EXCLUDED.project_health,
        project_updated_at=EXCLUDED.project_updated_at,
        project_target_date=EXCLUDED.project_target_date,
        project_start_date=EXCLUDED.project_start_date,
        project_lead=EXCLUDED.project_lead,
        labels=EXCLUDED.labels,
        last_comment_at=EXCLUDED.last_comment_at,
        comment_count=EXCLUDED.comment_count,
        parent_id=EXCLUDED.parent_id
    RETURNING (xmax = 0)`

// UpsertWorkItem inserts or overwrites by id and reports whether the row was
// newly inserted (xmax = 0 on a fresh row).
func (t *Tx) UpsertWorkItem(ctx context.Context, w domain.WorkItem) (bool, error) {
	var assigneeID, assigneeName *string
	if w.Assignee != nil {
		assigneeID, assigneeName = &w.Assignee.ID, &w.Assignee.Name
	}
	var projectID, projectName, projectState, projectHealth, projectLead *string
	var projectUpdatedAt, projectTargetDate, projectStartDate *time.Time
	if w.Project != nil {
		projectID, projectName = &w.Project.ID, &w.Project.Name
		projectState, projectHealth, projectLead = &w.Project.State, &w.Project.Health, &w.Project.Lead
		projectUpdatedAt, projectTargetDate, projectStartDate = w.Project.UpdatedAt, w.Project.TargetDate, w.Project.StartDate
	}
	var inserted bool
	err := t.tx.QueryRow(ctx, upsertWorkItemSQL,
		w.ID, w.Identifier, w.Title, w.Description,
		w.Team.ID, w.Team.Name, w.Team.Key,
		w.State.ID, w.State.Name, w.State.Type,
		assigneeID, assigneeName, w.Priority, w.Estimate,
		w.CreatedAt, w.UpdatedAt, w.StartedAt, w.CompletedAt, w.CanceledAt, w.URL,
		projectID, projectName, projectState, projectHealth,
		projectUpdatedAt, projectTargetDate, projectStartDate, projectLead,
		w.Labels, w.LastCommentAt, w.CommentCount, w.ParentID,
	).Scan(&inserted)
	if err != nil { return false, &domain.StoreError{Op: "upsert", Err: err} }
	return inserted, nil
}

func (t *Tx) DeleteWorkItemsByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 { return 0, nil }
	ct, err := t.tx.Exec(ctx, `DELETE FROM work_items WHERE id = ANY($1)`, ids)
	if err != nil { return 0, &domain.StoreError{Op: "delete by ids", Err: err} }
	return int(ct.RowsAffected()), nil
}

func (t *Tx) DeleteWorkItemsByTeamKeys(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 { return 0, nil }
	ct, err := t.tx.Exec(ctx, `DELETE FROM work_items WHERE team_key = ANY($1)`, keys)
	if err != nil { return 0, &domain.StoreError{Op: "delete by team keys", Err: err} }
	return int(ct.RowsAffected()), nil
}

// ---- metrics snapshots (append-only) ----

func (r *Repository) AppendSnapshot(ctx context.Context, s domain.MetricsSnapshot) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil { return &domain.StoreError{Op: "marshal snapshot", Err: err} }
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO metrics_snapshots(captured_at, level, level_id, metrics_json) VALUES($1,$2,$3,$4)`,
		s.CapturedAt, string(s.Level), s.LevelID, payload)
	if err != nil { return &domain.StoreError{Op: "append snapshot", Err: err} }
	return nil
}

// QuerySnapshots returns snapshots for one level since the given time,
// ordered by captured_at ascending. Payloads come back raw; callers decide
// what to do with unparsable history.
func (r *Repository) QuerySnapshots(ctx context.Context, level domain.Level, levelID string, since time.Time) ([]domain.StoredSnapshot, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT captured_at, level, level_id, metrics_json FROM metrics_snapshots
         WHERE level=$1 AND level_id=$2 AND captured_at >= $3 ORDER BY captured_at`,
		string(level), levelID, since)
	if err != nil { return nil, &domain.StoreError{Op: "query snapshots", Err: err} }
	defer rows.Close()
	var out []domain.StoredSnapshot
	for rows.Next() {
		var s domain.StoredSnapshot
		var level string
		if err := rows.Scan(&s.CapturedAt, &level, &s.LevelID, &s.Payload); err != nil {
			return nil, &domain.StoreError{Op: "query snapshots", Err: err}
		}
		s.Level = domain.Level(level)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListTeamKeys returns the distinct team keys currently present, sorted.
func (r *Repository) ListTeamKeys(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT DISTINCT team_key FROM work_items ORDER BY team_key`)
	if err != nil { return nil, &domain.StoreError{Op: "list team keys", Err: err} }
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil { return nil, &domain.StoreError{Op: "list team keys", Err: err} }
		out = append(out, k)
	}
	return out, rows.Err()
}

// ---- sync runs ----

func (r *Repository) StartSyncRun(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `INSERT INTO sync_runs(id, started_at, success) VALUES($1, now(), false)`, id)
	if err != nil { return &domain.StoreError{Op: "start sync run", Err: err} }
	return nil
}

func (r *Repository) FinishSyncRun(ctx context.Context, id string, rep domain.SyncReport, success bool, errStr string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE sync_runs SET finished_at=now(), inserted=$2, updated=$3, deleted=$4, ignored=$5, success=$6, error=$7 WHERE id=$1`,
		id, rep.Inserted, rep.Updated, rep.Deleted, rep.IgnoredFiltered, success, errStr)
	if err != nil { return &domain.StoreError{Op: "finish sync run", Err: err} }
	return nil
}

func (r *Repository) GetLastSyncRun(ctx context.Context) (*domain.SyncRun, error) {
	const q = `SELECT id, started_at, finished_at,
        coalesce(inserted,0), coalesce(updated,0), coalesce(deleted,0), coalesce(ignored,0),
        coalesce(success,false), coalesce(error,'')
        FROM sync_runs ORDER BY started_at DESC LIMIT 1`
	row := r.db.Pool.QueryRow(ctx, q)
	sr := &domain.SyncRun{}
	if err := row.Scan(&sr.ID, &sr.StartedAt, &sr.FinishedAt, &sr.Inserted, &sr.Updated, &sr.Deleted, &sr.Ignored, &sr.Success, &sr.Error); err != nil {
		if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
		return nil, &domain.StoreError{Op: "last sync run", Err: err}
	}
	return sr, nil
}
