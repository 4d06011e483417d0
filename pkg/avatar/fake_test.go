package avatar

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/portrait/pkg/model"
	"github.com/platinummonkey/portrait/pkg/retention"
)

// memMetadata is a transactional in-memory Metadata. Transactions run
// concurrently: each reads a snapshot and records its writes, which are
// applied row by row on commit. LockUser behaves like SELECT ... FOR UPDATE
// under READ COMMITTED, blocking on the user's row and refreshing the
// snapshot once acquired.
type memMetadata struct {
	mu      sync.Mutex
	state   memState
	clock   func() time.Time
	failOp  string
	hashes  map[string]string
	commits int

	// rowLocks off models a store without row locking
	rowLocks   bool
	rows       map[string]*sync.Mutex
	afterCount func()
}

type memState struct {
	users   map[string]*string
	history []model.HistoryRecord
	nextID  int64
}

func newMemMetadata(clock func() time.Time, users ...string) *memMetadata {
	m := &memMetadata{
		state:    memState{users: make(map[string]*string), nextID: 1},
		clock:    clock,
		hashes:   make(map[string]string),
		rowLocks: true,
		rows:     make(map[string]*sync.Mutex),
	}
	for _, u := range users {
		m.state.users[u] = nil
	}
	return m
}

func (s memState) clone() memState {
	users := make(map[string]*string, len(s.users))
	for k, v := range s.users {
		users[k] = v
	}
	history := make([]model.HistoryRecord, len(s.history))
	copy(history, s.history)
	return memState{users: users, history: history, nextID: s.nextID}
}

var errInjected = errors.New("injected failure")

func (m *memMetadata) fail(op string) error {
	if m.failOp == op {
		return errInjected
	}
	return nil
}

func (m *memMetadata) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	tx := &memTx{m: m, state: m.state.clone(), deleted: map[int64]bool{}, active: map[string]*string{}}
	m.mu.Unlock()
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Commit"); err != nil {
		return model.E("mem.Commit", model.ErrMetadataTransactionFailed, err)
	}
	m.state.apply(tx)
	m.commits++
	return nil
}

func (m *memMetadata) rowLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[userID]
	if !ok {
		l = &sync.Mutex{}
		m.rows[userID] = l
	}
	return l
}

func (m *memMetadata) CountRecentHistory(ctx context.Context, userID string, window time.Duration) (int, error) {
	since := m.clock().Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountRecentHistory"); err != nil {
		return 0, err
	}
	return m.state.countSince(userID, since), nil
}

func (m *memMetadata) SetActiveAsset(ctx context.Context, userID string, url *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetActiveAsset"); err != nil {
		return err
	}
	return m.state.setActive(userID, url)
}

func (m *memMetadata) ListHistory(ctx context.Context, userID string) ([]model.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.list(userID), nil
}

func (m *memMetadata) GetUser(ctx context.Context, userID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active, ok := m.state.users[userID]
	if !ok {
		return nil, model.E("mem.GetUser", model.ErrNotFound, nil)
	}
	return &model.User{ID: userID, Role: model.RoleUser, ActiveAssetURL: active}, nil
}

// ReferencedURLs and GetPasswordHash make memMetadata a reconcile.ReferenceSource
func (m *memMetadata) ReferencedURLs(ctx context.Context) iter.Seq2[string, error] {
	m.mu.Lock()
	seen := make(map[string]bool)
	var urls []string
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	for _, active := range m.state.users {
		if active != nil {
			add(*active)
		}
	}
	for _, r := range m.state.history {
		add(r.AssetURL)
	}
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, u := range urls {
			if !yield(u, nil) {
				return
			}
		}
	}
}

func (m *memMetadata) GetPasswordHash(ctx context.Context, userID string) (string, error) {
	hash, ok := m.hashes[userID]
	if !ok {
		return "", model.E("mem.GetPasswordHash", model.ErrNotFound, nil)
	}
	return hash, nil
}

func (m *memMetadata) active(userID string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.users[userID]
}

func (m *memMetadata) history(userID string) []model.HistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.list(userID)
}

func (s *memState) setActive(userID string, url *string) error {
	if _, ok := s.users[userID]; !ok {
		return model.E("mem.SetActiveAsset", model.ErrNotFound, nil)
	}
	s.users[userID] = url
	return nil
}

func (s memState) countSince(userID string, since time.Time) int {
	n := 0
	for _, r := range s.history {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}

// apply writes a committed transaction's row changes
func (s *memState) apply(tx *memTx) {
	var kept []model.HistoryRecord
	for _, r := range append(s.history, tx.inserted...) {
		if !tx.deleted[r.ID] {
			kept = append(kept, r)
		}
	}
	s.history = kept
	for userID, url := range tx.active {
		s.users[userID] = url
	}
}

func (s memState) list(userID string) []model.HistoryRecord {
	var out []model.HistoryRecord
	for _, r := range s.history {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NewerThan(out[j]) })
	return out
}

type memTx struct {
	m        *memMetadata
	state    memState
	inserted []model.HistoryRecord
	deleted  map[int64]bool
	active   map[string]*string
	held     []*sync.Mutex
}

func (t *memTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
}

func (t *memTx) LockUser(ctx context.Context, userID string) error {
	if err := t.m.fail("LockUser"); err != nil {
		return err
	}
	if t.m.rowLocks {
		l := t.m.rowLock(userID)
		l.Lock()
		t.held = append(t.held, l)

		t.m.mu.Lock()
		t.state = t.m.state.clone()
		t.m.mu.Unlock()
	}
	if _, ok := t.state.users[userID]; !ok {
		return model.E("mem.LockUser", model.ErrNotFound, nil)
	}
	return nil
}

func (t *memTx) CountRecentHistory(ctx context.Context, userID string, window time.Duration) (int, error) {
	return t.state.countSince(userID, t.m.clock().Add(-window)), nil
}

func (t *memTx) CountHistory(ctx context.Context, userID string) (int, error) {
	n := len(t.state.list(userID))
	if t.m.afterCount != nil {
		t.m.afterCount()
	}
	return n, nil
}

func (t *memTx) InsertHistory(ctx context.Context, userID, assetURL string, isOriginal bool) (model.HistoryRecord, error) {
	if err := t.m.fail("InsertHistory"); err != nil {
		return model.HistoryRecord{}, err
	}
	if isOriginal {
		for _, r := range t.state.list(userID) {
			if r.IsOriginal {
				return model.HistoryRecord{}, errors.New("unique violation on original record")
			}
		}
	}
	// ids come from a sequence shared by every transaction
	t.m.mu.Lock()
	id := t.m.state.nextID
	t.m.state.nextID++
	t.m.mu.Unlock()

	rec := model.HistoryRecord{
		ID:         id,
		UserID:     userID,
		AssetURL:   assetURL,
		IsOriginal: isOriginal,
		CreatedAt:  t.m.clock(),
	}
	t.state.history = append(t.state.history, rec)
	t.inserted = append(t.inserted, rec)
	return rec, nil
}

func (t *memTx) SetActiveAsset(ctx context.Context, userID string, url *string) error {
	if err := t.state.setActive(userID, url); err != nil {
		return err
	}
	t.active[userID] = url
	return nil
}

func (t *memTx) ListPurgeCandidates(ctx context.Context, userID string, policy retention.Policy) ([]model.HistoryRecord, error) {
	return policy.PurgeSet(t.state.list(userID)), nil
}

func (t *memTx) DeleteHistory(ctx context.Context, id int64) error {
	if err := t.m.fail("DeleteHistory"); err != nil {
		return err
	}
	for i, r := range t.state.history {
		if r.ID == id {
			t.state.history = append(t.state.history[:i], t.state.history[i+1:]...)
			t.deleted[id] = true
			return nil
		}
	}
	return nil
}

// seed inserts a committed record directly
func (m *memMetadata) seed(userID, url string, original bool, at time.Time) model.HistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := model.HistoryRecord{ID: m.state.nextID, UserID: userID, AssetURL: url, IsOriginal: original, CreatedAt: at}
	m.state.nextID++
	m.state.history = append(m.state.history, rec)
	return rec
}
