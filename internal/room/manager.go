package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/codeshare/internal/metrics"
)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	// Store persists room records and snapshots. Nil keeps rooms in memory only.
	Store   Store
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	DefaultLanguage string
	SaveTimeout     time.Duration
	// MaxParticipants caps clients per room. Zero means unlimited.
	MaxParticipants int

	// NewID allocates room ids. Defaults to random UUIDs.
	NewID func() string
	Now   func() time.Time
}

// Manager is the registry of live rooms. All methods are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	// bumped by every Delete; Resolve discards records read across a bump
	deletes uint64

	store           Store
	logger          *zap.Logger
	roomLogger      *zap.Logger
	metrics         *metrics.Metrics
	defaultLanguage string
	saveTimeout     time.Duration
	maxParticipants int
	newID           func() string
	now             func() time.Time

	// in-flight asynchronous saves
	saves sync.WaitGroup
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		rooms:           make(map[string]*Room),
		store:           opts.Store,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		defaultLanguage: opts.DefaultLanguage,
		saveTimeout:     opts.SaveTimeout,
		maxParticipants: opts.MaxParticipants,
		newID:           opts.NewID,
		now:             opts.Now,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.roomLogger = m.logger.With(zap.String("component", "room"))
	m.logger = m.logger.With(zap.String("component", "room_manager"))
	if m.defaultLanguage == "" {
		m.defaultLanguage = "javascript"
	}
	if m.saveTimeout <= 0 {
		m.saveTimeout = 5 * time.Second
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Create registers a new room seeded with content and language and returns its id.
// A failure to persist the room record is logged; the live room is still usable
// and its first snapshot save writes the record.
func (m *Manager) Create(ctx context.Context, content, language string) string {
	id := m.newID()
	r := newRoom(id, m, content, language)

	if m.store != nil {
		now := m.now()
		err := m.store.CreateRoomRecord(ctx, Record{
			ID:        id,
			Content:   r.content,
			Language:  r.language,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			m.logger.Error("creating room record", zap.String("room_id", id), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.rooms[id] = r
	m.mu.Unlock()
	go r.run()

	m.metrics.RoomOpened()
	m.logger.Info("room created", zap.String("room_id", id), zap.String("language", r.language))
	return id
}

// Get returns the live room registered under id.
func (m *Manager) Get(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Resolve returns the live room for id, rehydrating it from the store when it
// is not registered. Unknown ids yield ErrRoomNotFound.
func (m *Manager) Resolve(ctx context.Context, id string) (*Room, error) {
	for {
		m.mu.RLock()
		r, ok := m.rooms[id]
		deletes := m.deletes
		m.mu.RUnlock()
		if ok {
			return r, nil
		}
		if m.store == nil {
			return nil, ErrRoomNotFound
		}

		rec, err := m.store.FindRoomRecord(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				return nil, ErrRoomNotFound
			}
			return nil, fmt.Errorf("loading room %s: %w", id, err)
		}

		m.mu.Lock()
		if r, ok := m.rooms[id]; ok {
			m.mu.Unlock()
			return r, nil
		}
		if m.deletes != deletes {
			// the record may have been deleted after it was read
			m.mu.Unlock()
			continue
		}
		r = newRoom(rec.ID, m, rec.Content, rec.Language)
		m.rooms[id] = r
		m.mu.Unlock()
		go r.run()

		m.metrics.RoomOpened()
		m.logger.Info("room rehydrated", zap.String("room_id", id))
		return r, nil
	}
}

// Delete removes the stored record of a room that is not live. Live rooms
// yield ErrRoomActive. The registry stays locked for the whole delete so no
// Resolve can rehydrate the room while its record is going away.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[id]; ok {
		return ErrRoomActive
	}
	if m.store == nil {
		return ErrRoomNotFound
	}
	m.deletes++
	if err := m.store.DeleteRoom(ctx, id); err != nil {
		return err
	}
	m.logger.Info("room deleted", zap.String("room_id", id))
	return nil
}

// remove deregisters r. It is a no-op when r is no longer the registered instance.
func (m *Manager) remove(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[r.id]; ok && cur == r {
		delete(m.rooms, r.id)
	}
}

// Rooms returns the currently registered rooms.
func (m *Manager) Rooms() []*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// ClientCount returns the number of clients joined across all rooms.
func (m *Manager) ClientCount() int {
	total := 0
	for _, r := range m.Rooms() {
		total += r.Participants()
	}
	return total
}

// ActiveRooms maps room id to participant count.
func (m *Manager) ActiveRooms() map[string]int {
	active := make(map[string]int)
	for _, r := range m.Rooms() {
		active[r.id] = r.Participants()
	}
	return active
}

// SaveAll starts a snapshot save on every live room.
func (m *Manager) SaveAll() int {
	saved := 0
	for _, r := range m.Rooms() {
		if err := r.Save(); err == nil {
			saved++
		}
	}
	return saved
}

// ReapIdle disposes rooms that have had no clients for at least ttl.
func (m *Manager) ReapIdle(ttl time.Duration) int {
	reaped := 0
	for _, r := range m.Rooms() {
		if ok, err := r.disposeIfIdle(ttl); err == nil && ok {
			reaped++
		}
	}
	return reaped
}

// Shutdown disconnects every client, disposes every room and waits for
// in-flight saves or ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	rooms := m.Rooms()
	for _, r := range rooms {
		if err := r.shutdown(); err != nil && !errors.Is(err, ErrRoomClosed) {
			m.logger.Warn("shutting down room", zap.String("room_id", r.id), zap.Error(err))
		}
	}

	waited := make(chan struct{})
	go func() {
		m.saves.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		m.logger.Info("room manager stopped", zap.Int("rooms", len(rooms)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for snapshot saves: %w", ctx.Err())
	}
}
