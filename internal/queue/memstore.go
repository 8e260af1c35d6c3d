package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"rental-queue/internal/common/errors"
	"rental-queue/internal/models"
)

// MemStore is an in-process Store. It enforces the same uniqueness rules as
// the Postgres schema and is used for local runs and tests.
type MemStore struct {
	mu            sync.RWMutex
	apps          map[string]*models.Application
	rooms         map[string]*models.ChatRoom
	notifications []*models.Notification
	events        []*models.Event
	seq           int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemStore() *MemStore {
	return &MemStore{
		apps:  make(map[string]*models.Application),
		rooms: make(map[string]*models.ChatRoom),
		locks: make(map[string]*sync.Mutex),
	}
}

func (s *MemStore) listingLock(listingID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[listingID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[listingID] = l
	}
	return l
}

func (s *MemStore) WithListing(ctx context.Context, listingID string, fn func(tx Tx) error) error {
	l := s.listingLock(listingID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return errors.NewTransactionAbortedError(0, err)
	}

	tx := &memTx{store: s, listingID: listingID, state: newMemState()}
	s.mu.RLock()
	for id, app := range s.apps {
		if app.ListingID == listingID {
			tx.state.apps[id] = app.Clone()
		}
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.NewTransactionAbortedError(1, err)
	}
	if err := tx.state.checkPositions(); err != nil {
		return errors.NewQueryExecutionFailedError("commit", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range tx.state.deleted {
		delete(s.apps, id)
	}
	for id, app := range tx.state.apps {
		s.apps[id] = app
	}
	for id, room := range tx.state.rooms {
		s.rooms[id] = room
	}
	s.notifications = append(s.notifications, tx.state.notifications...)
	s.events = append(s.events, tx.state.events...)
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, errors.NewApplicationNotFoundError(id)
	}
	return app.Clone(), nil
}

func (s *MemStore) ListForListing(_ context.Context, listingID string) ([]*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Application
	for _, app := range s.apps {
		if app.ListingID == listingID {
			out = append(out, app.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ap, bp := a.Status == models.StatusPending, b.Status == models.StatusPending
		if ap != bp {
			return ap
		}
		if ap && a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.QueuedBefore(b)
	})
	return out, nil
}

func (s *MemStore) ListForApplicant(_ context.Context, applicantID string) ([]*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Application
	for _, app := range s.apps {
		if app.ApplicantID == applicantID {
			out = append(out, app.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[j].QueuedBefore(out[i])
	})
	return out, nil
}

func (s *MemStore) ChatRoom(_ context.Context, applicationID string) (*models.ChatRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[applicationID]
	if !ok {
		return nil, nil
	}
	cp := *room
	return &cp, nil
}

func (s *MemStore) Events(_ context.Context, listingID string, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Event
	for _, ev := range s.events {
		if ev.ListingID != listingID {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) Ping(context.Context) error { return nil }

// Notifications returns a copy of the committed outbox.
func (s *MemStore) Notifications() []*models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

func (s *MemStore) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// memState is the working copy of one listing inside a transaction.
type memState struct {
	apps          map[string]*models.Application
	deleted       map[string]bool
	rooms         map[string]*models.ChatRoom
	notifications []*models.Notification
	events        []*models.Event
}

func newMemState() *memState {
	return &memState{
		apps:    make(map[string]*models.Application),
		deleted: make(map[string]bool),
		rooms:   make(map[string]*models.ChatRoom),
	}
}

func (st *memState) snapshot() *memState {
	cp := newMemState()
	for id, app := range st.apps {
		cp.apps[id] = app.Clone()
	}
	for id := range st.deleted {
		cp.deleted[id] = true
	}
	for id, room := range st.rooms {
		cp.rooms[id] = room
	}
	cp.notifications = append([]*models.Notification(nil), st.notifications...)
	cp.events = append([]*models.Event(nil), st.events...)
	return cp
}

// checkPositions mirrors the deferred exclusion constraint on pending positions.
func (st *memState) checkPositions() error {
	seen := make(map[int]string)
	for id, app := range st.apps {
		if app.Status != models.StatusPending {
			continue
		}
		if other, dup := seen[app.Position]; dup {
			return fmt.Errorf("pending position %d held by %s and %s", app.Position, other, id)
		}
		seen[app.Position] = id
	}
	return nil
}

type memTx struct {
	store     *MemStore
	listingID string
	state     *memState
}

func (t *memTx) ListingID() string { return t.listingID }

func (t *memTx) GetApplication(_ context.Context, id string) (*models.Application, error) {
	app, ok := t.state.apps[id]
	if !ok {
		return nil, errors.NewApplicationNotFoundError(id)
	}
	return app.Clone(), nil
}

func (t *memTx) ActiveApplication(_ context.Context, applicantID string) (*models.Application, error) {
	for _, app := range t.state.apps {
		if app.ApplicantID == applicantID && app.Status.IsActive() {
			return app.Clone(), nil
		}
	}
	return nil, nil
}

func (t *memTx) AcceptedApplication(context.Context) (*models.Application, error) {
	for _, app := range t.state.apps {
		if app.Status == models.StatusAccepted {
			return app.Clone(), nil
		}
	}
	return nil, nil
}

func (t *memTx) MaxPendingPosition(context.Context) (int, error) {
	max := 0
	for _, app := range t.state.apps {
		if app.Status == models.StatusPending && app.Position > max {
			max = app.Position
		}
	}
	return max, nil
}

func (t *memTx) PendingApplications(context.Context) ([]*models.Application, error) {
	var out []*models.Application
	for _, app := range t.state.apps {
		if app.Status == models.StatusPending {
			out = append(out, app.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueuedBefore(out[j]) })
	return out, nil
}

func (t *memTx) InsertApplication(ctx context.Context, app *models.Application) error {
	if app.ListingID != t.listingID {
		return errors.NewInternalError(fmt.Errorf("application for listing %s inserted under %s", app.ListingID, t.listingID))
	}
	if _, exists := t.state.apps[app.ID]; exists {
		return errors.NewInternalError(fmt.Errorf("duplicate application id %s", app.ID))
	}
	if app.Status.IsActive() {
		if existing, _ := t.ActiveApplication(ctx, app.ApplicantID); existing != nil {
			return errors.NewAlreadyAppliedError(app.ListingID, app.ApplicantID)
		}
	}

	app.Seq = t.store.nextSeq()
	t.state.apps[app.ID] = app.Clone()
	delete(t.state.deleted, app.ID)
	return nil
}

func (t *memTx) UpdateApplication(_ context.Context, app *models.Application) error {
	cur, ok := t.state.apps[app.ID]
	if !ok {
		return errors.NewApplicationNotFoundError(app.ID)
	}
	if app.Status == models.StatusAccepted {
		for id, other := range t.state.apps {
			if id != app.ID && other.Status == models.StatusAccepted {
				return errors.NewListingFilledError(t.listingID)
			}
		}
	}

	cur.Status = app.Status
	cur.Position = app.Position
	cur.UpdatedAt = app.UpdatedAt
	cur.ReviewedAt = nil
	if app.ReviewedAt != nil {
		ts := *app.ReviewedAt
		cur.ReviewedAt = &ts
	}
	return nil
}

func (t *memTx) SetPosition(_ context.Context, id string, position int) error {
	cur, ok := t.state.apps[id]
	if !ok || cur.Status != models.StatusPending {
		return errors.NewApplicationNotFoundError(id)
	}
	cur.Position = position
	return nil
}

func (t *memTx) DeleteApplication(_ context.Context, id string) error {
	if _, ok := t.state.apps[id]; !ok {
		return errors.NewApplicationNotFoundError(id)
	}
	delete(t.state.apps, id)
	t.state.deleted[id] = true
	return nil
}

func (t *memTx) FindChatRoom(ctx context.Context, applicationID string) (*models.ChatRoom, error) {
	if room, ok := t.state.rooms[applicationID]; ok {
		cp := *room
		return &cp, nil
	}
	return t.store.ChatRoom(ctx, applicationID)
}

func (t *memTx) InsertChatRoom(ctx context.Context, room *models.ChatRoom) error {
	if existing, _ := t.FindChatRoom(ctx, room.ApplicationID); existing != nil {
		return errors.NewQueryExecutionFailedError("insert chat room",
			fmt.Errorf("chat room for application %s already exists", room.ApplicationID))
	}
	cp := *room
	t.state.rooms[room.ApplicationID] = &cp
	return nil
}

func (t *memTx) InsertNotification(_ context.Context, n *models.Notification) error {
	cp := *n
	t.state.notifications = append(t.state.notifications, &cp)
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, e *models.Event) error {
	cp := *e
	t.state.events = append(t.state.events, &cp)
	return nil
}

func (t *memTx) Savepoint(_ context.Context, _ string, fn func() error) error {
	saved := t.state.snapshot()
	if err := fn(); err != nil {
		t.state = saved
		return err
	}
	return nil
}
