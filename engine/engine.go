// Package engine implements the deterministic replay core. Clients
// exchange only inputs ("posts"); every participant replays the same
// post stream through the same pure transition functions and arrives at
// the same state for every tick. The engine owns remote posts by index,
// local predictions by name, a per-tick timeline, and a bounded snapshot
// ring with a safe pruning frontier.
//
// OnTick, OnPost and Smooth must not mutate their inputs: snapshots are
// stored without cloning, and a mutated snapshot desyncs the client from
// everyone else replaying the same stream.
package engine

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"tickwire/bitpack"
	"tickwire/client"
)

// Transport is what the engine needs from the broker connection.
// *client.Client satisfies it; tests substitute an in-memory fake.
type Transport interface {
	OnSync(cb func())
	Watch(room string, schema bitpack.Packed, handler client.Handler) error
	Load(room string, from uint64) error
	PostInput(room string, at uint64, payload []byte) (string, error)
	GetLatestPostIndex(room string) error
	OnLatestPostIndex(listener client.LatestIndexHandler)
	ServerTime() (int64, error)
	Ping() (time.Duration, bool)
	Close() error
}

// TickFunc advances the state by one tick.
type TickFunc func(state any) any

// PostFunc applies one post payload to the state.
type PostFunc func(data any, state any) any

// SmoothFunc blends a stable past state and a predicted present state
// into a render state.
type SmoothFunc func(remote, local any) any

const (
	defaultSnapshotStride = 8
	defaultSnapshotCount  = 256

	latestIndexPollInterval = 2 * time.Second
)

var (
	// ErrClosed reports an operation on a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrNotSynced reports a server-time dependent call before the
	// transport completed its first time-sync round trip.
	ErrNotSynced = errors.New("engine: transport not synced yet")
)

// Options configures an Engine. Room, Initial, OnTick, OnPost, Packer,
// TickRate and ToleranceMillis are required.
type Options struct {
	Room            string
	Initial         any
	OnTick          TickFunc
	OnPost          PostFunc
	Packer          bitpack.Packed
	TickRate        int
	ToleranceMillis int64

	// Smooth defaults to returning the remote state unchanged.
	Smooth SmoothFunc

	// CacheDisabled turns the snapshot ring off; every compute replays
	// from the initial tick.
	CacheDisabled bool

	// SnapshotStride is the tick distance between snapshots (default 8).
	SnapshotStride int64

	// SnapshotCount bounds the snapshot ring (default 256).
	SnapshotCount int

	// URL overrides the broker endpoint when the engine dials its own
	// transport.
	URL string

	// Transport substitutes the broker connection. When nil the engine
	// dials URL (or the official default endpoint).
	Transport Transport

	Logger *zap.Logger
}

// Engine is the deterministic replay core for one room.
type Engine struct {
	room      string
	initial   any
	onTick    TickFunc
	onPost    PostFunc
	smooth    SmoothFunc
	packer    bitpack.Packed
	tickRate  int64
	tolerance int64

	cacheEnabled bool
	stride       int64
	window       int

	transport Transport
	logger    *zap.Logger
	done      chan struct{}
	pollWG    sync.WaitGroup

	mu                  sync.Mutex
	remotePosts         map[int64]*Post
	localPosts          map[string]*Post
	timeline            map[int64]*bucket
	snapshots           map[int64]any
	snapshotStart       int64
	hasSnapshotStart    bool
	initialTimeValue    int64
	initialTickValue    int64
	hasInitial          bool
	maxContiguousRemote int64
	maxRemote           int64
	noPendingBefore     int64
	hasNoPendingBefore  bool
	cacheDropGuardHits  uint64
	closed              bool
}

// Post is one input event in the engine's bookkeeping. Index is -1 for a
// local prediction that has not echoed back yet.
type Post struct {
	Room       string
	Index      int64
	ServerTime int64
	ClientTime int64
	Name       string
	Data       any
}

type bucket struct {
	remote []*Post // ascending index
	local  []*Post // insertion order
}

// New validates the options, connects the transport, and starts the
// room subscription once the transport reports sync.
func New(opts Options) (*Engine, error) {
	if opts.Room == "" {
		return nil, errors.New("engine: room is required")
	}
	if opts.OnTick == nil || opts.OnPost == nil {
		return nil, errors.New("engine: OnTick and OnPost are required")
	}
	if opts.TickRate <= 0 {
		return nil, errors.Newf("engine: tick rate %d must be positive", opts.TickRate)
	}
	stride := opts.SnapshotStride
	if stride == 0 {
		stride = defaultSnapshotStride
	}
	if stride < 1 {
		return nil, errors.Newf("engine: snapshot stride %d must be at least 1", stride)
	}
	window := opts.SnapshotCount
	if window == 0 {
		window = defaultSnapshotCount
	}
	if window < 1 {
		return nil, errors.Newf("engine: snapshot count %d must be at least 1", window)
	}
	smooth := opts.Smooth
	if smooth == nil {
		smooth = func(remote, _ any) any { return remote }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := opts.Transport
	if transport == nil {
		transport = client.New(client.Options{URL: opts.URL, Logger: logger})
	}

	e := &Engine{
		room:                opts.Room,
		initial:             opts.Initial,
		onTick:              opts.OnTick,
		onPost:              opts.OnPost,
		smooth:              smooth,
		packer:              opts.Packer,
		tickRate:            int64(opts.TickRate),
		tolerance:           opts.ToleranceMillis,
		cacheEnabled:        !opts.CacheDisabled,
		stride:              stride,
		window:              window,
		transport:           transport,
		logger:              logger,
		done:                make(chan struct{}),
		remotePosts:         make(map[int64]*Post),
		localPosts:          make(map[string]*Post),
		timeline:            make(map[int64]*bucket),
		snapshots:           make(map[int64]any),
		maxContiguousRemote: -1,
		maxRemote:           -1,
	}

	transport.OnLatestPostIndex(e.handleLatestIndex)
	transport.OnSync(e.start)
	return e, nil
}

// start runs once the transport is synced: subscribe, backfill from
// index 0, and begin polling the latest index. Watch is issued before
// Load so the room handler is registered when the backlog arrives; the
// broker's cursor never rewinds, so the extra Load is a no-op when the
// watch drain already caught up.
func (e *Engine) start() {
	if err := e.transport.Watch(e.room, e.packer, e.handleRemotePost); err != nil {
		e.logger.Error("watch failed", zap.String("room", e.room), zap.Error(err))
		return
	}
	if err := e.transport.Load(e.room, 0); err != nil {
		e.logger.Error("load failed", zap.String("room", e.room), zap.Error(err))
	}

	e.pollWG.Add(1)
	go func() {
		defer e.pollWG.Done()
		ticker := time.NewTicker(latestIndexPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.done:
				return
			case <-ticker.C:
				if err := e.transport.GetLatestPostIndex(e.room); err != nil {
					return
				}
			}
		}
	}()
}

// Room reports the room this engine replays.
func (e *Engine) Room() string { return e.room }

// ServerTime is the broker clock estimate in milliseconds.
func (e *Engine) ServerTime() (int64, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	t, err := e.transport.ServerTime()
	if err != nil {
		return 0, errors.Mark(err, ErrNotSynced)
	}
	return t, nil
}

// ServerTick is the current tick under the broker clock.
func (e *Engine) ServerTick() (int64, error) {
	t, err := e.ServerTime()
	if err != nil {
		return 0, err
	}
	return e.tickForTime(t), nil
}

// Ping reports the transport's last round-trip time.
func (e *Engine) Ping() (time.Duration, bool) {
	return e.transport.Ping()
}

// OnSync registers a callback fired once the transport has synced.
func (e *Engine) OnSync(cb func()) {
	e.transport.OnSync(cb)
}

// PostCount is one past the highest remote index seen; indices missing
// below it still count.
func (e *Engine) PostCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxRemote + 1
}

// InitialTime reports the official time of the index-0 post, once seen.
func (e *Engine) InitialTime() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialTimeValue, e.hasInitial
}

// InitialTick reports the official tick of the index-0 post, once seen.
func (e *Engine) InitialTick() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialTickValue, e.hasInitial
}

// Post predicts a local input and submits it to the broker. The returned
// name identifies the prediction until its authoritative echo arrives.
func (e *Engine) Post(data any) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}
	now, err := e.ServerTime()
	if err != nil {
		return "", err
	}
	payload, err := bitpack.Encode(e.packer, data)
	if err != nil {
		return "", errors.Wrap(err, "encode post payload")
	}
	name, err := e.transport.PostInput(e.room, uint64(now), payload)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if !e.closed {
		e.admitLocal(&Post{
			Room:       e.room,
			Index:      -1,
			ServerTime: now,
			ClientTime: now,
			Name:       name,
			Data:       data,
		})
	}
	e.mu.Unlock()
	return name, nil
}

// Close stops the latest-index poll and tears down the transport. The
// engine accepts no further mutations afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	e.pollWG.Wait()
	return e.transport.Close()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// handleRemotePost is the transport's room handler: it rolls back the
// matching local prediction, if any, then admits the authoritative post.
func (e *Engine) handleRemotePost(p client.Post) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.removeLocal(p.Name)
	e.admitRemote(&Post{
		Room:       p.Room,
		Index:      p.Index,
		ServerTime: p.ServerTime,
		ClientTime: p.ClientTime,
		Name:       p.Name,
		Data:       p.Data,
	})
}

// handleLatestIndex advances the safe-history watermark when the poll
// confirms we have caught up through the room's newest index.
func (e *Engine) handleLatestIndex(room string, latestIndex int64, serverTime uint64) {
	if room != e.room {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if latestIndex > e.maxContiguousRemote {
		return
	}
	// One extra tick of margin keeps a post stamped just before the
	// reply from landing under the watermark. Conservative, tunable.
	margin := ceilDiv(1000, e.tickRate)
	e.advanceWatermark(int64(serverTime) - e.tolerance - margin)
}
