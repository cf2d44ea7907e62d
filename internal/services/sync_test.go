package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/domain"
	"github.com/Latermedia/linearbot-sub006/internal/repo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with transactional staging: mutations made
// inside RunInTransaction only land when the callback returns nil.
type fakeStore struct {
	mu           sync.Mutex
	items        map[string]domain.WorkItem
	snapshots    []domain.StoredSnapshot
	runs         []domain.SyncRun
	failUpsertID string
}

func newFakeStore(seed ...domain.WorkItem) *fakeStore {
	s := &fakeStore{items: map[string]domain.WorkItem{}}
	for _, it := range seed {
		s.items[it.ID] = it
	}
	return s
}

func (s *fakeStore) GetAllIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fakeStore) CountWorkItems(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *fakeStore) ListWorkItems(context.Context) ([]domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WorkItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (s *fakeStore) ListTeamKeys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[string]struct{}{}
	for _, it := range s.items {
		set[it.Team.Key] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

type fakeTx struct {
	store  *fakeStore
	staged map[string]domain.WorkItem
}

func (t *fakeTx) UpsertWorkItem(_ context.Context, it domain.WorkItem) (bool, error) {
	if t.store.failUpsertID != "" && t.store.failUpsertID == it.ID {
		return false, errors.New("upsert exploded")
	}
	_, exists := t.staged[it.ID]
	t.staged[it.ID] = it
	return !exists, nil
}

func (t *fakeTx) DeleteWorkItemsByIDs(_ context.Context, ids []string) (int, error) {
	n := 0
	for _, id := range ids {
		if _, ok := t.staged[id]; ok {
			delete(t.staged, id)
			n++
		}
	}
	return n, nil
}

func (t *fakeTx) DeleteWorkItemsByTeamKeys(_ context.Context, keys []string) (int, error) {
	n := 0
	for _, k := range keys {
		for id, it := range t.staged {
			if it.Team.Key == k {
				delete(t.staged, id)
				n++
			}
		}
	}
	return n, nil
}

func (s *fakeStore) RunInTransaction(_ context.Context, fn func(tx repo.TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := make(map[string]domain.WorkItem, len(s.items))
	for k, v := range s.items {
		staged[k] = v
	}
	if err := fn(&fakeTx{store: s, staged: staged}); err != nil {
		return &domain.StoreError{Op: "tx", Err: err}
	}
	s.items = staged
	return nil
}

func (s *fakeStore) AppendSnapshot(_ context.Context, snap domain.MetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(snap.Payload)
	if err != nil {
		return err
	}
	s.snapshots = append(s.snapshots, domain.StoredSnapshot{
		CapturedAt: snap.CapturedAt, Level: snap.Level, LevelID: snap.LevelID, Payload: raw,
	})
	return nil
}

func (s *fakeStore) QuerySnapshots(_ context.Context, level domain.Level, levelID string, since time.Time) ([]domain.StoredSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StoredSnapshot
	for _, snap := range s.snapshots {
		if snap.Level == level && snap.LevelID == levelID && !snap.CapturedAt.Before(since) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (s *fakeStore) StartSyncRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, domain.SyncRun{ID: id, StartedAt: time.Now()})
	return nil
}

func (s *fakeStore) FinishSyncRun(_ context.Context, id string, rep domain.SyncReport, success bool, errStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == id {
			now := time.Now()
			s.runs[i].FinishedAt = &now
			s.runs[i].Inserted = rep.Inserted
			s.runs[i].Updated = rep.Updated
			s.runs[i].Deleted = rep.Deleted
			s.runs[i].Ignored = rep.IgnoredFiltered
			s.runs[i].Success = success
			s.runs[i].Error = errStr
		}
	}
	return nil
}

func (s *fakeStore) GetLastSyncRun(context.Context) (*domain.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return nil, nil
	}
	run := s.runs[len(s.runs)-1]
	return &run, nil
}

type fakeSource struct {
	started    []domain.WorkItem
	byProject  map[string][]domain.WorkItem
	connErr    error
	startedErr error
	projectErr error

	gotProjectIDs []string
	enteredFetch  chan struct{}
	releaseFetch  chan struct{}
}

func (f *fakeSource) TestConnection(context.Context) error { return f.connErr }

func (f *fakeSource) FetchByStateType(_ context.Context, stateType string, onProgress func(total, pageDelta int)) ([]domain.WorkItem, error) {
	if f.enteredFetch != nil {
		close(f.enteredFetch)
		<-f.releaseFetch
	}
	if f.startedErr != nil {
		return nil, f.startedErr
	}
	var out []domain.WorkItem
	for _, it := range f.started {
		if it.State.Type == stateType {
			out = append(out, it)
		}
	}
	if onProgress != nil {
		onProgress(len(out), len(out))
	}
	return out, nil
}

func (f *fakeSource) FetchByProjectIDs(_ context.Context, ids []string, onProgress func(total int)) ([]domain.WorkItem, error) {
	if f.projectErr != nil {
		return nil, f.projectErr
	}
	f.gotProjectIDs = ids
	var out []domain.WorkItem
	for _, id := range ids {
		out = append(out, f.byProject[id]...)
	}
	if onProgress != nil {
		onProgress(len(out))
	}
	return out, nil
}

func wi(id, identifier, teamKey, stateType, projectID string) domain.WorkItem {
	it := domain.WorkItem{
		ID:         id,
		Identifier: identifier,
		Team:       domain.Team{ID: "t-" + teamKey, Name: teamKey, Key: teamKey},
		State:      domain.State{ID: "s-" + stateType, Name: stateType, Type: stateType},
		CreatedAt:  time.Now().Add(-48 * time.Hour),
		UpdatedAt:  time.Now(),
	}
	if projectID != "" {
		it.Project = &domain.Project{ID: projectID, Name: "Project " + projectID}
	}
	return it
}

func newTestSyncer(src Source, st Store) *Syncer {
	return NewSyncer(src, st, NewNopSink(), zerolog.Nop())
}

func TestSynchronizeReconciles(t *testing.T) {
	stale := wi("old-1", "ENG-90", "ENG", domain.StateTypeCompleted, "")
	existing := wi("a-2", "ENG-2", "ENG", domain.StateTypeStarted, "p1")
	ignoredRow := wi("g-1", "GRO-1", "GRO", domain.StateTypeStarted, "")
	st := newFakeStore(stale, existing, ignoredRow)

	src := &fakeSource{
		started: []domain.WorkItem{
			wi("a-1", "ENG-1", "ENG", domain.StateTypeStarted, "p1"),
			wi("a-2", "ENG-2", "ENG", domain.StateTypeStarted, "p1"),
			wi("s-9", "SEC-9", "SEC", domain.StateTypeStarted, "p2"),
		},
		byProject: map[string][]domain.WorkItem{
			"p1": {
				wi("a-1", "ENG-1", "ENG", domain.StateTypeStarted, "p1"),
				wi("a-3", "ENG-3", "ENG", domain.StateTypeCompleted, "p1"),
			},
		},
	}

	rep, err := newTestSyncer(src, st).Synchronize(context.Background(), []string{"SEC", "GRO"})
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 2, rep.Deleted) // the stale row and the now-ignored GRO row
	assert.Equal(t, 1, rep.IgnoredFiltered)
	assert.Equal(t, 3, rep.TotalStored)
	assert.Equal(t, []string{"p1"}, src.gotProjectIDs) // SEC project never backfilled

	ids, _ := st.GetAllIDs(context.Background())
	assert.Equal(t, []string{"a-1", "a-2", "a-3"}, ids)

	run, err := st.GetLastSyncRun(context.Background())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.Success)
	assert.Equal(t, rep.RunID, run.ID)
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	src := &fakeSource{
		started: []domain.WorkItem{wi("a-1", "ENG-1", "ENG", domain.StateTypeStarted, "")},
	}
	st := newFakeStore()
	sy := newTestSyncer(src, st)

	rep1, err := sy.Synchronize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep1.Inserted)

	rep2, err := sy.Synchronize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rep2.Inserted)
	assert.Equal(t, 1, rep2.Updated)
	assert.Equal(t, 0, rep2.Deleted)
	assert.Equal(t, 1, rep2.TotalStored)
}

func TestSynchronizeDeduplicatesAcrossPhases(t *testing.T) {
	src := &fakeSource{
		started: []domain.WorkItem{
			wi("1", "ENG-1", "ENG", domain.StateTypeStarted, "p1"),
			wi("2", "ENG-2", "ENG", domain.StateTypeStarted, "p1"),
			wi("3", "ENG-3", "ENG", domain.StateTypeStarted, "p1"),
		},
		byProject: map[string][]domain.WorkItem{
			"p1": {
				wi("2", "ENG-2", "ENG", domain.StateTypeStarted, "p1"),
				wi("3", "ENG-3", "ENG", domain.StateTypeStarted, "p1"),
				wi("4", "ENG-4", "ENG", domain.StateTypeUnstarted, "p1"),
			},
		},
	}
	st := newFakeStore()

	rep, err := newTestSyncer(src, st).Synchronize(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Inserted)
	assert.Equal(t, 0, rep.Updated)
	assert.Equal(t, 4, rep.TotalStored)
}

func TestSynchronizeEmptyRemoteLeavesMirrorUntouched(t *testing.T) {
	st := newFakeStore(
		wi("a-1", "ENG-1", "ENG", domain.StateTypeStarted, ""),
		wi("a-2", "ENG-2", "ENG", domain.StateTypeCompleted, ""),
	)
	src := &fakeSource{}

	rep, err := newTestSyncer(src, st).Synchronize(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Inserted)
	assert.Zero(t, rep.Updated)
	assert.Zero(t, rep.Deleted)
	assert.Equal(t, 2, rep.TotalStored)

	ids, _ := st.GetAllIDs(context.Background())
	assert.Len(t, ids, 2)
}

func TestSynchronizeConnectionFailureIsTyped(t *testing.T) {
	st := newFakeStore(wi("a-1", "ENG-1", "ENG", domain.StateTypeStarted, ""))
	src := &fakeSource{connErr: errors.New("dial tcp: refused")}

	rep, err := newTestSyncer(src, st).Synchronize(context.Background(), nil)
	assert.Nil(t, rep)
	var ce *domain.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.PhaseConnect, ce.Phase)

	// nothing reached the store, not even a run record
	assert.Empty(t, st.runs)
	ids, _ := st.GetAllIDs(context.Background())
	assert.Len(t, ids, 1)
}

func TestSynchronizePaginationLimitAborts(t *testing.T) {
	st := newFakeStore(wi("a-1", "ENG-1", "ENG", domain.StateTypeStarted, ""))
	src := &fakeSource{
		startedErr: &domain.PaginationLimitError{Phase: domain.PhaseFetchStarted, Pages: 100, Limit: 100},
	}

	_, err := newTestSyncer(src, st).Synchronize(context.Background(), nil)
	var pl *domain.PaginationLimitError
	require.ErrorAs(t, err, &pl)
	assert.Equal(t, 100, pl.Limit)

	ids, _ := st.GetAllIDs(context.Background())
	assert.Len(t, ids, 1)
	run, _ := st.GetLastSyncRun(context.Background())
	require.NotNil(t, run)
	assert.False(t, run.Success)
}

func TestSynchronizeUpsertFailureRollsBackEverything(t *testing.T) {
	st := newFakeStore(wi("old-1", "ENG-90", "ENG", domain.StateTypeCompleted, ""))
	st.failUpsertID = "a-2"
	src := &fakeSource{
		started: []domain.WorkItem{
			wi("a-1", "ENG-1", "ENG", domain.StateTypeStarted, ""),
			wi("a-2", "ENG-2", "ENG", domain.StateTypeStarted, ""),
		},
	}

	_, err := newTestSyncer(src, st).Synchronize(context.Background(), nil)
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)

	// a-1 was staged before the failure but must not survive the rollback,
	// and the stale row must still be there
	ids, _ := st.GetAllIDs(context.Background())
	assert.Equal(t, []string{"old-1"}, ids)
}

func TestSynchronizeRejectsOverlappingRuns(t *testing.T) {
	src := &fakeSource{
		started:      []domain.WorkItem{wi("a-1", "ENG-1", "ENG", domain.StateTypeStarted, "")},
		enteredFetch: make(chan struct{}),
		releaseFetch: make(chan struct{}),
	}
	sy := newTestSyncer(src, newFakeStore())

	done := make(chan error, 1)
	go func() {
		_, err := sy.Synchronize(context.Background(), nil)
		done <- err
	}()
	<-src.enteredFetch

	_, err := sy.Synchronize(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrSyncInFlight)

	close(src.releaseFetch)
	require.NoError(t, <-done)
}
