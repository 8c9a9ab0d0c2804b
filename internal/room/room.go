package room

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/codeshare/internal/metrics"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

// State is the lifecycle tag of a room.
type State int

const (
	StateActive State = iota
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent point-in-time read of a room.
type Snapshot struct {
	ID           string
	Content      string
	Language     string
	Selections   []protocol.Selection
	Version      uint64
	Participants []string
}

// A collaborative editing session.
//
// Every read and write of the document state happens on the room's own
// goroutine; exported methods hand a closure to that loop and wait for it.
type Room struct {
	id      string
	manager *Manager
	logger  *zap.Logger
	metrics *metrics.Metrics

	// owned by the loop
	state      State
	content    string
	language   string
	selections []protocol.Selection
	version    uint64
	clients    map[Token]*Client
	nextToken  Token
	idleSince  time.Time

	ops  chan func()
	done chan struct{}

	participants atomic.Int64

	saveMu       sync.Mutex
	savedVersion uint64
	// set by the final save; later saves are dropped
	finalSaved   bool
}

func newRoom(id string, m *Manager, content, language string) *Room {
	r := &Room{
		id:         id,
		manager:    m,
		logger:     m.roomLogger.With(zap.String("room_id", id)),
		metrics:    m.metrics,
		state:      StateActive,
		content:    content,
		selections: protocol.DefaultSelections(),
		version:    1,
		clients:    make(map[Token]*Client),
		idleSince:  m.now(),
		ops:        make(chan func()),
		done:       make(chan struct{}),
	}
	r.setLanguage(language)
	return r
}

func (r *Room) ID() string {
	return r.id
}

// Participants returns the number of joined clients.
func (r *Room) Participants() int {
	return int(r.participants.Load())
}

// Done is closed once the room has been disposed.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) run() {
	defer close(r.done)
	for op := range r.ops {
		op()
		if r.state == StateDisposed {
			return
		}
	}
}

// do runs fn on the room loop and waits for it to finish.
func (r *Room) do(fn func() error) error {
	result := make(chan error, 1)
	op := func() {
		if r.state != StateActive {
			result <- ErrRoomClosed
			return
		}
		result <- fn()
	}
	select {
	case r.ops <- op:
	case <-r.done:
		return ErrRoomClosed
	}
	return <-result
}

func (r *Room) setLanguage(language string) {
	language = strings.TrimSpace(language)
	if language == "" {
		language = r.manager.defaultLanguage
	}
	r.language = language
}

// Join registers conn under a fresh token and sends it the join acknowledgement
// before any later broadcast can reach it. The other participants receive the
// new participant list.
func (r *Room) Join(identity string, conn Conn) (Token, Snapshot, error) {
	var (
		token Token
		snap  Snapshot
	)
	err := r.do(func() error {
		if limit := r.manager.maxParticipants; limit > 0 && len(r.clients) >= limit {
			return ErrRoomFull
		}

		r.nextToken++
		token = r.nextToken
		r.clients[token] = newClient(token, identity, conn)
		r.participants.Store(int64(len(r.clients)))
		r.metrics.ClientJoined()

		snap = r.snapshot()
		ack := protocol.MustEncode(protocol.MessageJoinAck, protocol.JoinAck{
			Clients:    snap.Participants,
			Code:       snap.Content,
			Language:   snap.Language,
			Selections: snap.Selections,
			Version:    snap.Version,
		})
		if err := conn.Send(ack); err != nil {
			r.removeClient(token)
			return err
		}
		r.metrics.MessagesSent(string(protocol.MessageJoinAck), 1)

		r.logger.Info("client joined",
			zap.Uint64("client", uint64(token)),
			zap.String("identity", identity),
			zap.Int("participants", len(r.clients)),
		)
		r.broadcastParticipants(token)
		return nil
	})
	return token, snap, err
}

// SubmitEdit replaces the document with content. Identical content is dropped
// without versioning or broadcast. Concurrent edits are last-writer-wins: the
// later one overwrites the earlier without merging.
func (r *Room) SubmitEdit(token Token, content string, selections []protocol.Selection) (accepted bool, version uint64, err error) {
	err = r.do(func() error {
		if _, ok := r.clients[token]; !ok {
			return ErrClientNotFound
		}
		accepted, version = r.applyEdit(token, content, selections)
		return nil
	})
	return accepted, version, err
}

// Restore applies content as a server-originated edit, broadcast to every client.
func (r *Room) Restore(content string) (accepted bool, version uint64, err error) {
	err = r.do(func() error {
		accepted, version = r.applyEdit(0, content, r.selections)
		if accepted {
			r.saveAsync()
		}
		return nil
	})
	return accepted, version, err
}

func (r *Room) applyEdit(sender Token, content string, selections []protocol.Selection) (bool, uint64) {
	if content == r.content {
		r.metrics.EditDropped()
		return false, r.version
	}
	if selections == nil {
		selections = protocol.DefaultSelections()
	}
	r.content = content
	r.selections = selections
	r.version++
	r.metrics.EditAccepted()

	r.broadcast(sender, protocol.MessageCodeChange, protocol.CodeChange{
		Value:      content,
		Selections: selections,
		Version:    r.version,
	})
	return true, r.version
}

// SubmitSelection records selections as the room's cursor state and relays
// them to every other client. Selections are never versioned or persisted.
func (r *Room) SubmitSelection(token Token, selections []protocol.Selection) error {
	return r.do(func() error {
		if _, ok := r.clients[token]; !ok {
			return ErrClientNotFound
		}
		if selections == nil {
			selections = protocol.DefaultSelections()
		}
		r.selections = selections
		r.metrics.SelectionRelayed()
		r.broadcast(token, protocol.MessageSelectionChange, protocol.SelectionChange{Selections: selections})
		return nil
	})
}

// Save starts a snapshot save and returns without waiting for it. Failures
// are logged.
func (r *Room) Save() error {
	return r.do(func() error {
		r.saveAsync()
		return nil
	})
}

// Leave disposes the client's connection and removes it. The last client out
// saves and disposes the room.
func (r *Room) Leave(token Token) error {
	return r.do(func() error {
		if _, ok := r.clients[token]; !ok {
			return ErrClientNotFound
		}
		r.removeClient(token)
		r.logger.Info("client left",
			zap.Uint64("client", uint64(token)),
			zap.Int("participants", len(r.clients)),
		)
		r.afterDeparture()
		return nil
	})
}

// Snapshot returns a consistent read of the room.
func (r *Room) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := r.do(func() error {
		snap = r.snapshot()
		return nil
	})
	return snap, err
}

// disposeIfIdle disposes the room when it has had no clients for at least ttl.
func (r *Room) disposeIfIdle(ttl time.Duration) (bool, error) {
	var disposed bool
	err := r.do(func() error {
		if len(r.clients) == 0 && r.manager.now().Sub(r.idleSince) >= ttl {
			r.logger.Info("disposing idle room", zap.Duration("idle", r.manager.now().Sub(r.idleSince)))
			r.dispose()
			disposed = true
		}
		return nil
	})
	return disposed, err
}

// shutdown disconnects every client and disposes the room.
func (r *Room) shutdown() error {
	return r.do(func() error {
		for token := range r.clients {
			r.removeClient(token)
		}
		r.dispose()
		return nil
	})
}

func (r *Room) snapshot() Snapshot {
	selections := make([]protocol.Selection, len(r.selections))
	copy(selections, r.selections)
	return Snapshot{
		ID:           r.id,
		Content:      r.content,
		Language:     r.language,
		Selections:   selections,
		Version:      r.version,
		Participants: r.participantNames(),
	}
}

// participantNames lists identities in join order.
func (r *Room) participantNames() []string {
	tokens := make([]Token, 0, len(r.clients))
	for token := range r.clients {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	names := make([]string, len(tokens))
	for i, token := range tokens {
		names[i] = r.clients[token].identity
	}
	return names
}

func (r *Room) removeClient(token Token) {
	c, ok := r.clients[token]
	if !ok {
		return
	}
	delete(r.clients, token)
	r.participants.Store(int64(len(r.clients)))
	r.metrics.ClientLeft()
	if len(r.clients) == 0 {
		r.idleSince = r.manager.now()
	}
	if err := c.Dispose(); err != nil {
		r.logger.Debug("closing client connection", zap.Uint64("client", uint64(token)), zap.Error(err))
	}
}

func (r *Room) afterDeparture() {
	if r.state != StateActive {
		return
	}
	if len(r.clients) == 0 {
		r.dispose()
		return
	}
	r.broadcastParticipants(0)
}

func (r *Room) broadcastParticipants(except Token) {
	r.broadcast(except, protocol.MessageClients, protocol.Clients{Clients: r.participantNames()})
}

// broadcast sends one message to every client but except. Clients whose
// connection refuses the message are dropped.
func (r *Room) broadcast(except Token, t protocol.MessageType, payload any) {
	msg := protocol.MustEncode(t, payload)

	var failed []Token
	sent := 0
	for token, c := range r.clients {
		if token == except {
			continue
		}
		if err := c.conn.Send(msg); err != nil {
			r.logger.Warn("dropping client",
				zap.Uint64("client", uint64(token)),
				zap.String("identity", c.identity),
				zap.Error(err),
			)
			failed = append(failed, token)
			continue
		}
		sent++
	}
	r.metrics.MessagesSent(string(t), sent)

	if len(failed) == 0 {
		return
	}
	for _, token := range failed {
		r.removeClient(token)
		r.metrics.ClientDropped()
	}
	r.afterDeparture()
}

// dispose makes a final synchronous save, deregisters the room and stops the
// loop. The save lands before the room becomes unreachable so a rehydration
// reads the latest content.
func (r *Room) dispose() {
	r.persist(r.saveSnapshot(), true)
	r.state = StateDisposed
	r.manager.remove(r)
	r.metrics.RoomDisposed()
	r.logger.Info("room disposed")
}

type saveSnapshot struct {
	content  string
	language string
	version  uint64
	at       time.Time
}

func (r *Room) saveSnapshot() saveSnapshot {
	return saveSnapshot{
		content:  r.content,
		language: r.language,
		version:  r.version,
		at:       r.manager.now(),
	}
}

func (r *Room) saveAsync() {
	snap := r.saveSnapshot()
	r.manager.saves.Add(1)
	go func() {
		defer r.manager.saves.Done()
		r.persist(snap, false)
	}()
}

// persist writes snap unless a newer version has already been written or
// the final save has run. Once a disposed room is deregistered nothing it
// queued earlier reaches the store.
func (r *Room) persist(snap saveSnapshot, final bool) {
	store := r.manager.store
	if store == nil {
		return
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if r.finalSaved || snap.version < r.savedVersion {
		return
	}
	r.finalSaved = final

	ctx, cancel := context.WithTimeout(context.Background(), r.manager.saveTimeout)
	defer cancel()

	start := time.Now()
	err := store.UpsertSnapshot(ctx, r.id, snap.content, snap.language, snap.at)
	r.metrics.SaveObserved(time.Since(start).Seconds(), err)
	if err != nil {
		r.logger.Error("saving snapshot",
			zap.Uint64("version", snap.version),
			zap.Error(err),
		)
		return
	}
	r.savedVersion = snap.version
	r.logger.Debug("snapshot saved", zap.Uint64("version", snap.version))
}
