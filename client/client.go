// Package client maintains the single logical broker connection used by
// a replay engine: it reconnects with bounded jittered backoff, keeps the
// clock offset synced against the broker, re-emits watches after a
// reconnect, and queues posts written while the socket is down.
package client

import (
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tickwire/bitpack"
	"tickwire/wire"
)

// DefaultURL is the official broker endpoint used when none is given.
const DefaultURL = "wss://broker.tickwire.io/ws"

const (
	heartbeatInterval = 2 * time.Second
	writeWait         = 10 * time.Second

	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 8 * time.Second
	backoffJitter      = 250 * time.Millisecond
)

var (
	// ErrNotSynced reports a server-time read before the first completed
	// time-sync round trip.
	ErrNotSynced = errors.New("client: server time not synced yet")

	// ErrClosed reports an operation on a manually closed client.
	ErrClosed = errors.New("client: closed")

	// ErrSchemaMismatch reports a second Watch for a room with a
	// different payload schema.
	ErrSchemaMismatch = errors.New("client: room already registered with a different schema")
)

// Post is one decoded authoritative record handed to a room handler.
type Post struct {
	Room       string
	Index      int64
	ServerTime int64
	ClientTime int64
	Name       string
	Data       any
}

// Handler consumes authoritative posts for one room. Handlers run on the
// connection's read goroutine, so deliveries for a room are serialized in
// index order.
type Handler func(Post)

// LatestIndexHandler consumes info_latest_post_index notifications.
type LatestIndexHandler func(room string, latestIndex int64, serverTime uint64)

// conn is the subset of *websocket.Conn the client uses; tests substitute
// an in-memory pipe.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options configures a Client. The zero value dials DefaultURL with the
// production backoff schedule.
type Options struct {
	URL    string
	Logger *zap.Logger

	// ReconnectBase and ReconnectCap bound the exponential backoff.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	// Dial substitutes the websocket dialer, for tests.
	Dial func(url string) (conn, error)

	// Now substitutes the local clock, for tests.
	Now func() time.Time

	// Jitter substitutes the backoff jitter source, for tests.
	Jitter func() time.Duration
}

type roomSub struct {
	schema  bitpack.Packed
	handler Handler
}

// Client is the transport half of an engine. All exported methods are
// safe for concurrent use.
type Client struct {
	url     string
	logger  *zap.Logger
	dial    func(url string) (conn, error)
	now     func() time.Time
	base    time.Duration
	maxWait time.Duration
	jitter  func() time.Duration
	kick    chan struct{}
	done    chan struct{}
	closeWG sync.WaitGroup

	mu          sync.Mutex
	sock        conn
	closed      bool
	synced      bool
	clockOffset int64
	lowestPing  time.Duration
	lastPing    time.Duration
	pingSentAt  time.Time
	pingPending bool
	rooms       map[string]*roomSub
	queue       [][]byte
	syncCbs     []func()
	latestCbs   []LatestIndexHandler
}

// New constructs a client and starts connecting immediately.
func New(opts Options) *Client {
	url := opts.URL
	if url == "" {
		url = DefaultURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dial := opts.Dial
	if dial == nil {
		dial = dialWebsocket
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	base := opts.ReconnectBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	maxWait := opts.ReconnectCap
	if maxWait <= 0 {
		maxWait = defaultBackoffCap
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = func() time.Duration { return time.Duration(rand.Int63n(int64(backoffJitter))) }
	}

	c := &Client{
		url:        url,
		logger:     logger,
		dial:       dial,
		now:        now,
		base:       base,
		maxWait:    maxWait,
		jitter:     jitter,
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		lowestPing: time.Duration(1<<63 - 1),
		rooms:      make(map[string]*roomSub),
	}
	c.closeWG.Add(2)
	go c.run()
	go c.heartbeatLoop()
	return c
}

func dialWebsocket(url string) (conn, error) {
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

// run owns the connection lifecycle: dial, replay subscriptions, flush
// the queue, read until failure, back off, repeat.
func (c *Client) run() {
	defer c.closeWG.Done()
	attempt := 0
	for {
		if c.isClosed() {
			return
		}
		sock, err := c.dial(c.url)
		if err != nil {
			attempt++
			c.logger.Warn("dial failed", zap.String("url", c.url), zap.Error(err))
			if !c.sleepBackoff(attempt) {
				return
			}
			continue
		}
		attempt = 0
		if !c.attach(sock) {
			sock.Close()
			return
		}
		c.readLoop(sock)
		c.detach(sock)
		if c.isClosed() {
			return
		}
		if !c.sleepBackoff(1) {
			return
		}
	}
}

// attach installs a fresh socket, re-emits watch for every registered
// room, flushes queued frames in FIFO order, and starts a time-sync
// round trip. Returns false when the client was closed meanwhile.
func (c *Client) attach(sock conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.sock = sock
	c.pingPending = false
	watched := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		watched = append(watched, room)
	}
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, room := range watched {
		frame, err := wire.EncodeClient(wire.Watch{Room: room})
		if err != nil {
			c.logger.Error("encode watch failed", zap.String("room", room), zap.Error(err))
			continue
		}
		if !c.writeFrame(sock, frame) {
			c.requeue(queued)
			return true
		}
	}
	for i, frame := range queued {
		if !c.writeFrame(sock, frame) {
			c.requeue(queued[i:])
			return true
		}
	}
	c.sendTimeProbe(sock)
	return true
}

func (c *Client) requeue(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	c.mu.Lock()
	c.queue = append(append([][]byte{}, frames...), c.queue...)
	c.mu.Unlock()
}

func (c *Client) detach(sock conn) {
	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
		c.pingPending = false
	}
	c.mu.Unlock()
	sock.Close()
}

func (c *Client) readLoop(sock conn) {
	for {
		kind, payload, err := sock.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		msg, err := wire.DecodeServer(payload)
		if err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		switch m := msg.(type) {
		case wire.InfoTime:
			c.handleInfoTime(m)
		case wire.InfoPost:
			c.handleInfoPost(m)
		case wire.InfoLatestPostIndex:
			c.handleLatestIndex(m)
		}
	}
}

// handleInfoTime finishes one time-sync round trip. The offset only
// updates when this round trip beat the best RTT seen so far; a midpoint
// sample taken over a shorter round trip bounds the true offset tighter.
func (c *Client) handleInfoTime(m wire.InfoTime) {
	received := c.now()

	c.mu.Lock()
	if !c.pingPending {
		c.mu.Unlock()
		return
	}
	c.pingPending = false
	rtt := received.Sub(c.pingSentAt)
	if rtt < 0 {
		rtt = 0
	}
	c.lastPing = rtt
	firstSync := !c.synced
	if rtt < c.lowestPing {
		midpoint := (c.pingSentAt.UnixMilli() + received.UnixMilli()) / 2
		c.clockOffset = int64(m.Time) - midpoint
		c.lowestPing = rtt
	}
	c.synced = true
	var callbacks []func()
	if firstSync {
		callbacks = c.syncCbs
		c.syncCbs = nil
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (c *Client) handleInfoPost(m wire.InfoPost) {
	c.mu.Lock()
	sub, ok := c.rooms[m.Room]
	c.mu.Unlock()
	if !ok {
		return
	}
	data, err := bitpack.Decode(sub.schema, m.Payload)
	if err != nil {
		c.logger.Error("payload decode failed",
			zap.String("room", m.Room),
			zap.Uint64("index", m.Index),
			zap.Error(err))
		return
	}
	sub.handler(Post{
		Room:       m.Room,
		Index:      int64(m.Index),
		ServerTime: int64(m.ServerTime),
		ClientTime: int64(m.ClientTime),
		Name:       m.Name,
		Data:       data,
	})
}

func (c *Client) handleLatestIndex(m wire.InfoLatestPostIndex) {
	c.mu.Lock()
	listeners := append([]LatestIndexHandler(nil), c.latestCbs...)
	c.mu.Unlock()
	for _, listener := range listeners {
		listener(m.Room, m.LatestIndex, m.ServerTime)
	}
}

func (c *Client) heartbeatLoop() {
	defer c.closeWG.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			sock := c.sock
			c.mu.Unlock()
			if sock != nil {
				c.sendTimeProbe(sock)
			}
		}
	}
}

func (c *Client) sendTimeProbe(sock conn) {
	frame, err := wire.EncodeClient(wire.GetTime{})
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.pingPending {
		c.mu.Unlock()
		return
	}
	c.pingSentAt = c.now()
	c.pingPending = true
	c.mu.Unlock()
	if !c.writeFrame(sock, frame) {
		c.mu.Lock()
		c.pingPending = false
		c.mu.Unlock()
	}
}

// writeFrame sends one frame; on failure the socket is closed so the
// read loop notices and the run loop reconnects.
func (c *Client) writeFrame(sock conn, frame []byte) bool {
	sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sock.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.logger.Warn("write failed", zap.Error(err))
		sock.Close()
		return false
	}
	return true
}

func (c *Client) sleepBackoff(attempt int) bool {
	delay := c.base << uint(attempt-1)
	if delay > c.maxWait || delay <= 0 {
		delay = c.maxWait
	}
	delay += c.jitter()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.done:
		return false
	case <-c.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnSync registers a callback fired once after the first completed
// time-sync round trip. A callback registered after sync fires
// immediately.
func (c *Client) OnSync(cb func()) {
	c.mu.Lock()
	if c.synced {
		c.mu.Unlock()
		cb()
		return
	}
	c.syncCbs = append(c.syncCbs, cb)
	c.mu.Unlock()
}

// Watch registers a room handler and subscribes to live fan-out. A
// second registration for the same room must carry the same schema.
func (c *Client) Watch(room string, schema bitpack.Packed, handler Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if existing, ok := c.rooms[room]; ok && !reflect.DeepEqual(existing.schema, schema) {
		c.mu.Unlock()
		return errors.Wrapf(ErrSchemaMismatch, "room %q", room)
	}
	c.rooms[room] = &roomSub{schema: schema, handler: handler}
	c.mu.Unlock()

	frame, err := wire.EncodeClient(wire.Watch{Room: room})
	if err != nil {
		return err
	}
	c.send(frame)
	return nil
}

// Load asks the broker for records starting at from.
func (c *Client) Load(room string, from uint64) error {
	if c.isClosed() {
		return ErrClosed
	}
	frame, err := wire.EncodeClient(wire.Load{Room: room, From: from})
	if err != nil {
		return err
	}
	c.send(frame)
	return nil
}

// PostInput submits a payload for a room and returns the generated post
// name. The time argument is the poster's estimate of server time in
// milliseconds. While disconnected the encoded message is buffered and a
// reconnect attempt is kicked; the queue flushes FIFO on open.
func (c *Client) PostInput(room string, at uint64, payload []byte) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	name, err := generateName()
	if err != nil {
		return "", err
	}
	frame, err := wire.EncodeClient(wire.Post{Room: room, Time: at, Name: name, Payload: payload})
	if err != nil {
		return "", err
	}
	c.send(frame)
	return name, nil
}

// GetLatestPostIndex asks the broker for the room's newest index. The
// answer arrives through OnLatestPostIndex listeners.
func (c *Client) GetLatestPostIndex(room string) error {
	if c.isClosed() {
		return ErrClosed
	}
	frame, err := wire.EncodeClient(wire.GetLatestPostIndex{Room: room})
	if err != nil {
		return err
	}
	c.send(frame)
	return nil
}

// OnLatestPostIndex registers a listener for info_latest_post_index
// notifications.
func (c *Client) OnLatestPostIndex(listener LatestIndexHandler) {
	c.mu.Lock()
	c.latestCbs = append(c.latestCbs, listener)
	c.mu.Unlock()
}

// send writes the frame on the live socket or queues it for the next
// open.
func (c *Client) send(frame []byte) {
	c.mu.Lock()
	sock := c.sock
	if sock == nil {
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		select {
		case c.kick <- struct{}{}:
		default:
		}
		return
	}
	c.mu.Unlock()
	if !c.writeFrame(sock, frame) {
		c.mu.Lock()
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
	}
}

// ServerTime is the current broker clock estimate in milliseconds.
func (c *Client) ServerTime() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if !c.synced {
		return 0, ErrNotSynced
	}
	return c.now().UnixMilli() + c.clockOffset, nil
}

// Ping reports the most recent round-trip time; ok is false before the
// first completed round trip.
func (c *Client) Ping() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing, c.synced
}

// Close tears the client down: best-effort unwatch per room, socket
// close, and all timers stopped. Further operations return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sock := c.sock
	c.sock = nil
	watched := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		watched = append(watched, room)
	}
	c.mu.Unlock()

	close(c.done)
	if sock != nil {
		for _, room := range watched {
			if frame, err := wire.EncodeClient(wire.Unwatch{Room: room}); err == nil {
				sock.SetWriteDeadline(time.Now().Add(time.Second))
				sock.WriteMessage(websocket.BinaryMessage, frame)
			}
		}
		sock.Close()
	}
	c.closeWG.Wait()
	return nil
}
