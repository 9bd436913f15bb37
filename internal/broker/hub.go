// Package broker implements the fan-out server: it stamps authoritative
// server time on incoming posts, appends them to the room log, and
// delivers records to watching connections in contiguous, gap-free index
// order.
package broker

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tickwire/internal/roomlog"
	"tickwire/wire"
)

// socket is the write half a Conn needs from its websocket.
type socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub owns the room log and the watcher sets. All per-connection cursor
// state lives on the Conn; the hub only tracks which connections watch
// which rooms.
type Hub struct {
	mu       sync.Mutex
	log      *roomlog.Store
	watchers map[string]map[*Conn]struct{}
	conns    map[*Conn]struct{}
	logger   *zap.Logger
	counters *telemetryCounters
	now      func() time.Time
	started  time.Time
}

// NewHub constructs a hub over the given room log.
func NewHub(log *roomlog.Store, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		log:      log,
		watchers: make(map[string]map[*Conn]struct{}),
		conns:    make(map[*Conn]struct{}),
		logger:   logger,
		counters: newTelemetryCounters(),
		now:      time.Now,
		started:  time.Now(),
	}
}

// Conn is the hub-side state of one client connection. For each
// subscribed room it keeps the smallest not-yet-sent index, the watching
// flag, and the re-entrant drain guard.
type Conn struct {
	id   string
	hub  *Hub
	sock socket

	writeMu sync.Mutex

	mu     sync.Mutex
	rooms  map[string]*roomCursor
	closed bool
}

type roomCursor struct {
	nextToSend  uint64
	watching    bool
	drainActive bool
}

// ID is the connection's log identity.
func (c *Conn) ID() string { return c.id }

// Register adds a new connection to the hub.
func (h *Hub) Register(sock socket) *Conn {
	c := &Conn{
		id:    uuid.NewString(),
		hub:   h,
		sock:  sock,
		rooms: make(map[string]*roomCursor),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Drop closes a connection and removes it from every watcher set.
func (h *Hub) Drop(c *Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	h.mu.Lock()
	delete(h.conns, c)
	for room, set := range h.watchers {
		delete(set, c)
		if len(set) == 0 {
			delete(h.watchers, room)
		}
	}
	h.mu.Unlock()

	c.sock.Close()
}

// Dispatch handles one decoded client message. A failed write drops the
// connection before the error is returned; a room log error is returned
// with the connection left registered.
func (h *Hub) Dispatch(c *Conn, msg any) error {
	h.counters.recordReceived()
	switch m := msg.(type) {
	case wire.GetTime:
		return h.reply(c, wire.InfoTime{Time: h.nowMillis()})
	case wire.Post:
		return h.handlePost(c, m)
	case wire.Load:
		return h.handleLoad(c, m)
	case wire.Watch:
		return h.handleWatch(c, m)
	case wire.Unwatch:
		h.handleUnwatch(c, m)
		return nil
	case wire.GetLatestPostIndex:
		return h.handleLatestIndex(c, m)
	default:
		return errors.Wrapf(wire.ErrUnknownMessage, "%T", msg)
	}
}

// handlePost stamps server time, appends, then drains every watcher of
// the room. The poster itself receives the record through its own drain
// if it watches; the append path never sends directly, so delivery order
// is always the log's order.
func (h *Hub) handlePost(c *Conn, m wire.Post) error {
	rec := roomlog.Record{
		ServerTime: h.nowMillis(),
		ClientTime: m.Time,
		Name:       m.Name,
		Payload:    m.Payload,
	}
	if _, err := h.log.Append(m.Room, rec); err != nil {
		h.logger.Error("append failed",
			zap.String("room", m.Room),
			zap.String("conn", c.id),
			zap.Error(err))
		return err
	}
	h.counters.recordPost()

	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.watchers[m.Room]))
	for watcher := range h.watchers[m.Room] {
		targets = append(targets, watcher)
	}
	h.mu.Unlock()

	for _, watcher := range targets {
		h.drain(watcher, m.Room, nil)
	}
	return nil
}

// handleLoad advances the cursor (never rewinding) and drains. A
// connection that is not watching gets a one-shot drain capped at the
// room size at call time; watchers stream live without a cap.
func (h *Hub) handleLoad(c *Conn, m wire.Load) error {
	c.mu.Lock()
	cursor := c.cursorLocked(m.Room)
	if m.From > cursor.nextToSend {
		cursor.nextToSend = m.From
	}
	watching := cursor.watching
	c.mu.Unlock()

	if watching {
		h.drain(c, m.Room, nil)
		return nil
	}
	count, err := h.log.Count(m.Room)
	if err != nil {
		return err
	}
	h.drain(c, m.Room, &count)
	return nil
}

func (h *Hub) handleWatch(c *Conn, m wire.Watch) error {
	c.mu.Lock()
	c.cursorLocked(m.Room).watching = true
	c.mu.Unlock()

	h.mu.Lock()
	set, ok := h.watchers[m.Room]
	if !ok {
		set = make(map[*Conn]struct{})
		h.watchers[m.Room] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.drain(c, m.Room, nil)
	return nil
}

func (h *Hub) handleUnwatch(c *Conn, m wire.Unwatch) {
	c.mu.Lock()
	c.cursorLocked(m.Room).watching = false
	c.mu.Unlock()

	h.mu.Lock()
	if set, ok := h.watchers[m.Room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.watchers, m.Room)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handleLatestIndex(c *Conn, m wire.GetLatestPostIndex) error {
	count, err := h.log.Count(m.Room)
	if err != nil {
		return err
	}
	return h.reply(c, wire.InfoLatestPostIndex{
		Room:        m.Room,
		LatestIndex: int64(count) - 1,
		ServerTime:  h.nowMillis(),
	})
}

// drain delivers records [nextToSend, limit) to the connection in index
// order. The drainActive guard makes a send-triggered re-entry a no-op,
// so a given connection never observes interleaved or repeated indices.
func (h *Hub) drain(c *Conn, room string, oneShotCap *uint64) {
	c.mu.Lock()
	cursor := c.cursorLocked(room)
	if cursor.drainActive {
		c.mu.Unlock()
		return
	}
	cursor.drainActive = true
	h.counters.recordDrain()

	for {
		if c.closed {
			break
		}
		next := cursor.nextToSend
		// The count is read while holding c.mu: an appender whose drain
		// call bounced off the guard has already appended, so the final
		// check before the guard clears sees its record.
		count, err := h.log.Count(room)
		if err != nil {
			h.logger.Error("drain count failed", zap.String("room", room), zap.Error(err))
			break
		}
		limit := count
		if oneShotCap != nil && *oneShotCap < limit {
			limit = *oneShotCap
		}
		if next >= limit {
			break
		}
		c.mu.Unlock()

		rec, ok, err := h.log.Get(room, next)
		if err != nil || !ok {
			h.logger.Error("drain read failed",
				zap.String("room", room),
				zap.Uint64("index", next),
				zap.Error(err))
			c.mu.Lock()
			break
		}
		frame, err := wire.EncodeServer(wire.InfoPost{
			Room:       room,
			Index:      next,
			ServerTime: rec.ServerTime,
			ClientTime: rec.ClientTime,
			Name:       rec.Name,
			Payload:    rec.Payload,
		})
		if err != nil {
			h.logger.Error("drain encode failed", zap.String("room", room), zap.Error(err))
			c.mu.Lock()
			break
		}
		writeErr := c.write(frame)
		c.mu.Lock()
		if writeErr != nil {
			c.mu.Unlock()
			h.Drop(c)
			c.mu.Lock()
			break
		}
		h.counters.recordSent(len(frame))
		if cursor.nextToSend == next {
			cursor.nextToSend = next + 1
		}
	}

	cursor.drainActive = false
	c.mu.Unlock()
}

func (h *Hub) reply(c *Conn, msg any) error {
	frame, err := wire.EncodeServer(msg)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		h.Drop(c)
		return err
	}
	h.counters.recordSent(len(frame))
	return nil
}

func (c *Conn) cursorLocked(room string) *roomCursor {
	cursor, ok := c.rooms[room]
	if !ok {
		cursor = &roomCursor{}
		c.rooms[room] = cursor
	}
	return cursor
}

const writeWait = 10 * time.Second

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d, ok := c.sock.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(time.Now().Add(writeWait))
	}
	return c.sock.WriteMessage(binaryMessage, frame)
}

// binaryMessage mirrors websocket.BinaryMessage without importing the
// websocket package into the hub.
const binaryMessage = 2

func (h *Hub) nowMillis() uint64 {
	return uint64(h.now().UnixMilli())
}
