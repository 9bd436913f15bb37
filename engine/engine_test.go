package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"tickwire/bitpack"
	"tickwire/client"
)

// fakeTransport drives an engine without a broker. Tests deliver posts
// straight into the registered room handler and steer the clock.
type fakeTransport struct {
	mu              sync.Mutex
	synced          bool
	syncCbs         []func()
	watchedRoom     string
	watchedHandler  client.Handler
	watchCalls      []string
	loadCalls       []uint64
	posted          []fakePosted
	latestListeners []client.LatestIndexHandler
	latestRequests  int
	serverTime      int64
	hasTime         bool
	ping            time.Duration
	hasPing         bool
	closed          bool
	nameSeq         int
}

type fakePosted struct {
	room    string
	at      uint64
	payload []byte
}

func (f *fakeTransport) OnSync(cb func()) {
	f.mu.Lock()
	if f.synced {
		f.mu.Unlock()
		cb()
		return
	}
	f.syncCbs = append(f.syncCbs, cb)
	f.mu.Unlock()
}

func (f *fakeTransport) fireSync() {
	f.mu.Lock()
	f.synced = true
	cbs := f.syncCbs
	f.syncCbs = nil
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (f *fakeTransport) Watch(room string, schema bitpack.Packed, handler client.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchedRoom = room
	f.watchedHandler = handler
	f.watchCalls = append(f.watchCalls, room)
	return nil
}

func (f *fakeTransport) Load(room string, from uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls = append(f.loadCalls, from)
	return nil
}

func (f *fakeTransport) PostInput(room string, at uint64, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("local-%d", f.nameSeq)
	f.nameSeq++
	f.posted = append(f.posted, fakePosted{room: room, at: at, payload: payload})
	return name, nil
}

func (f *fakeTransport) GetLatestPostIndex(room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestRequests++
	return nil
}

func (f *fakeTransport) OnLatestPostIndex(listener client.LatestIndexHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestListeners = append(f.latestListeners, listener)
}

func (f *fakeTransport) fireLatest(room string, latest int64, serverTime uint64) {
	f.mu.Lock()
	listeners := append([]client.LatestIndexHandler(nil), f.latestListeners...)
	f.mu.Unlock()
	for _, listener := range listeners {
		listener(room, latest, serverTime)
	}
}

func (f *fakeTransport) ServerTime() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasTime {
		return 0, errors.New("no time sync yet")
	}
	return f.serverTime, nil
}

func (f *fakeTransport) setServerTime(millis int64) {
	f.mu.Lock()
	f.serverTime = millis
	f.hasTime = true
	f.mu.Unlock()
}

func (f *fakeTransport) Ping() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ping, f.hasPing
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) deliver(p client.Post) {
	f.mu.Lock()
	handler := f.watchedHandler
	f.mu.Unlock()
	if handler != nil {
		handler(p)
	}
}

// world is the test game: a tick counter and a spawn roster. Transitions
// return fresh values and never touch their inputs.
type world struct {
	Ticks   int64
	Players []string
}

func tickWorld(state any) any {
	w := state.(world)
	w.Ticks++
	return w
}

func applySpawn(data any, state any) any {
	w := state.(world)
	name, _ := data.(string)
	if name == "" {
		return w
	}
	players := make([]string, 0, len(w.Players)+1)
	players = append(players, w.Players...)
	players = append(players, name)
	w.Players = players
	return w
}

func hasPlayer(w world, name string) bool {
	for _, p := range w.Players {
		if p == name {
			return true
		}
	}
	return false
}

const (
	testTickRate  = 24
	testTolerance = 300
)

func newTestEngine(t *testing.T, mutate func(*Options)) (*Engine, *fakeTransport) {
	t.Helper()
	transport := &fakeTransport{}
	opts := Options{
		Room:            "room-a",
		Initial:         world{},
		OnTick:          tickWorld,
		OnPost:          applySpawn,
		Packer:          bitpack.String(),
		TickRate:        testTickRate,
		ToleranceMillis: testTolerance,
		Transport:       transport,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("engine construction failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	transport.fireSync()
	return e, transport
}

// remotePost builds an authoritative post whose official time is the
// given client timestamp (client_time > server_time - tolerance).
func remotePost(index, officialMillis int64, name, data string) client.Post {
	return client.Post{
		Room:       "room-a",
		Index:      index,
		ServerTime: officialMillis,
		ClientTime: officialMillis,
		Name:       name,
		Data:       data,
	}
}

func TestNewValidatesOptions(t *testing.T) {
	base := func() Options {
		return Options{
			Room:            "room-a",
			OnTick:          tickWorld,
			OnPost:          applySpawn,
			Packer:          bitpack.String(),
			TickRate:        testTickRate,
			ToleranceMillis: testTolerance,
			Transport:       &fakeTransport{},
		}
	}

	missingRoom := base()
	missingRoom.Room = ""
	if _, err := New(missingRoom); err == nil {
		t.Fatal("expected error for missing room")
	}

	badRate := base()
	badRate.TickRate = 0
	if _, err := New(badRate); err == nil {
		t.Fatal("expected error for zero tick rate")
	}

	badStride := base()
	badStride.SnapshotStride = -1
	if _, err := New(badStride); err == nil {
		t.Fatal("expected error for negative stride")
	}

	missingHooks := base()
	missingHooks.OnTick = nil
	if _, err := New(missingHooks); err == nil {
		t.Fatal("expected error for missing OnTick")
	}
}

func TestStartupSubscribesThenBackfills(t *testing.T) {
	_, transport := newTestEngine(t, nil)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.watchCalls) != 1 || transport.watchCalls[0] != "room-a" {
		t.Fatalf("expected one watch for room-a, got %v", transport.watchCalls)
	}
	if len(transport.loadCalls) != 1 || transport.loadCalls[0] != 0 {
		t.Fatalf("expected load from 0, got %v", transport.loadCalls)
	}
}

func TestOfficialTimeClampsToTolerance(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	fresh := &Post{ServerTime: 10_000, ClientTime: 9_800}
	if got := e.officialTime(fresh); got != 9_800 {
		t.Fatalf("fresh client stamp should win: got %d", got)
	}

	stale := &Post{ServerTime: 10_000, ClientTime: 9_000}
	if got := e.officialTime(stale); got != 9_700 {
		t.Fatalf("stale client stamp should clamp to server-tolerance: got %d", got)
	}

	if got := e.tickForTime(1_000); got != testTickRate {
		t.Fatalf("one second should be %d ticks, got %d", testTickRate, got)
	}
	if got := e.tickForTime(-1); got != -1 {
		t.Fatalf("negative time should floor, got %d", got)
	}
}

func TestFrontierAndWatermarkAdvanceOnlyThroughGaps(t *testing.T) {
	e, transport := newTestEngine(t, nil)

	transport.deliver(remotePost(0, 10_000, "a", "x"))
	transport.deliver(remotePost(2, 10_200, "c", "z"))

	d := e.Dump()
	if d.MaxContiguousRemoteIndex != 0 {
		t.Fatalf("gap at 1 should hold frontier at 0, got %d", d.MaxContiguousRemoteIndex)
	}
	if d.MaxRemoteIndex != 2 {
		t.Fatalf("expected max remote 2, got %d", d.MaxRemoteIndex)
	}
	if !d.HasWatermark || d.NoPendingPostsBeforeMs != 10_000 {
		t.Fatalf("watermark should track frontier post time, got %+v", d)
	}

	transport.deliver(remotePost(1, 10_100, "b", "y"))
	d = e.Dump()
	if d.MaxContiguousRemoteIndex != 2 {
		t.Fatalf("frontier should jump to 2 when the gap fills, got %d", d.MaxContiguousRemoteIndex)
	}
	if d.NoPendingPostsBeforeMs != 10_200 {
		t.Fatalf("watermark should advance to 10200, got %d", d.NoPendingPostsBeforeMs)
	}
	if e.PostCount() != 3 {
		t.Fatalf("expected post count 3, got %d", e.PostCount())
	}
}

func TestDuplicateRemoteIndexIsIgnored(t *testing.T) {
	e, transport := newTestEngine(t, nil)

	transport.deliver(remotePost(0, 10_000, "a", "x"))
	transport.deliver(remotePost(0, 10_000, "a", "x"))
	transport.deliver(remotePost(0, 99_999, "other", "q"))

	d := e.Dump()
	if d.RemotePosts != 1 {
		t.Fatalf("duplicates must be dropped, got %d posts", d.RemotePosts)
	}

	state := e.ComputeStateAt(e.tickForTime(10_000)).(world)
	if len(state.Players) != 1 || state.Players[0] != "x" {
		t.Fatalf("unexpected roster %v", state.Players)
	}
}

func TestInitialTickComesFromIndexZero(t *testing.T) {
	e, transport := newTestEngine(t, nil)

	if _, ok := e.InitialTick(); ok {
		t.Fatal("initial tick should be unset before index 0 arrives")
	}

	// Index 3 arrives first; it must not define the initial tick.
	transport.deliver(remotePost(3, 12_000, "d", ""))
	if _, ok := e.InitialTick(); ok {
		t.Fatal("initial tick should wait for index 0")
	}

	transport.deliver(remotePost(0, 10_000, "a", ""))
	tick, ok := e.InitialTick()
	if !ok || tick != e.tickForTime(10_000) {
		t.Fatalf("unexpected initial tick %d (ok=%v)", tick, ok)
	}
	when, ok := e.InitialTime()
	if !ok || when != 10_000 {
		t.Fatalf("unexpected initial time %d (ok=%v)", when, ok)
	}
}

func TestComputeBeforeFirstPostReturnsInitial(t *testing.T) {
	e, transport := newTestEngine(t, nil)

	state := e.ComputeStateAt(100).(world)
	if state.Ticks != 0 || len(state.Players) != 0 {
		t.Fatalf("expected the initial state, got %+v", state)
	}

	transport.deliver(remotePost(0, 10_000, "a", "x"))
	before := e.ComputeStateAt(e.tickForTime(10_000) - 1).(world)
	if before.Ticks != 0 {
		t.Fatalf("ticks before the initial tick must return initial, got %+v", before)
	}
}

func TestPostPredictsLocallyAndRollsBackOnEcho(t *testing.T) {
	e, transport := newTestEngine(t, nil)
	transport.setServerTime(100_000)

	predictTick := e.tickForTime(100_000)

	name, err := e.Post("me")
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if name != "local-0" {
		t.Fatalf("unexpected generated name %q", name)
	}

	d := e.Dump()
	if d.LocalPosts != 1 {
		t.Fatalf("expected one local prediction, got %d", d.LocalPosts)
	}
	if len(d.Timeline) != 1 || d.Timeline[0].Tick != predictTick || len(d.Timeline[0].LocalNames) != 1 {
		t.Fatalf("prediction not in its bucket: %+v", d.Timeline)
	}

	// The echo lands two ticks later than predicted.
	echoMillis := 100_000 + 2*1000/testTickRate + 10
	echo := client.Post{
		Room: "room-a", Index: 0,
		ServerTime: 100_000, ClientTime: int64(echoMillis),
		Name: name, Data: "me",
	}
	transport.deliver(echo)

	d = e.Dump()
	if d.LocalPosts != 0 {
		t.Fatalf("echo should remove the prediction, got %d locals", d.LocalPosts)
	}
	if d.RemotePosts != 1 {
		t.Fatalf("expected exactly one remote post, got %d", d.RemotePosts)
	}
	echoTick := e.tickForTime(int64(echoMillis))
	if len(d.Timeline) != 1 || d.Timeline[0].Tick != echoTick {
		t.Fatalf("expected a single bucket at the echo tick, got %+v", d.Timeline)
	}
	if len(d.Timeline[0].LocalNames) != 0 || len(d.Timeline[0].RemoteIndices) != 1 {
		t.Fatalf("bucket should hold only the remote post, got %+v", d.Timeline[0])
	}

	// A replica that only ever saw the echo agrees on the state.
	replica, replicaTransport := newTestEngine(t, nil)
	replicaTransport.deliver(echo)
	want := replica.ComputeStateAt(echoTick + 3)
	got := e.ComputeStateAt(echoTick + 3)
	if fmt.Sprint(want) != fmt.Sprint(got) {
		t.Fatalf("rollback diverged: %v vs %v", got, want)
	}
}

func TestPostFailsBeforeSync(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	if _, err := e.Post("me"); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected ErrNotSynced, got %v", err)
	}
	if _, err := e.ServerTick(); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected ErrNotSynced, got %v", err)
	}
}

func TestLatestIndexAdvancesWatermarkOnlyWhenCaughtUp(t *testing.T) {
	e, transport := newTestEngine(t, nil)

	transport.deliver(remotePost(0, 10_000, "a", ""))
	transport.deliver(remotePost(1, 10_100, "b", ""))

	// Not caught up: latest index 5 is past our frontier of 1.
	transport.fireLatest("room-a", 5, 60_000)
	d := e.Dump()
	if d.NoPendingPostsBeforeMs != 10_100 {
		t.Fatalf("watermark must not advance past the frontier, got %d", d.NoPendingPostsBeforeMs)
	}

	// Caught up: the watermark tracks the broker clock minus tolerance
	// and a one-tick margin.
	transport.fireLatest("room-a", 1, 60_000)
	d = e.Dump()
	margin := ceilDiv(1000, testTickRate)
	want := 60_000 - testTolerance - margin
	if d.NoPendingPostsBeforeMs != want {
		t.Fatalf("expected watermark %d, got %d", want, d.NoPendingPostsBeforeMs)
	}

	// Monotonic: an older reply never lowers it.
	transport.fireLatest("room-a", 1, 30_000)
	if got := e.Dump().NoPendingPostsBeforeMs; got != want {
		t.Fatalf("watermark regressed to %d", got)
	}

	// Another room's reply is ignored.
	transport.fireLatest("room-b", 1, 999_999)
	if got := e.Dump().NoPendingPostsBeforeMs; got != want {
		t.Fatalf("foreign room moved the watermark to %d", got)
	}
}

func TestPreWindowPostClearsSnapshotRing(t *testing.T) {
	e, transport := newTestEngine(t, func(o *Options) {
		o.SnapshotStride = 2
		o.SnapshotCount = 4
	})

	transport.deliver(remotePost(0, 1_000, "a", "x"))
	transport.fireLatest("room-a", 0, 10_000)

	// Slide the window well past the initial tick.
	e.ComputeStateAt(e.tickForTime(9_000))
	d := e.Dump()
	if !d.HasSnapshotStart || d.SnapshotStartTick <= e.tickForTime(1_000) {
		t.Fatalf("window should have slid forward, got %+v", d)
	}

	// A straggler behind the window clears the ring but is still kept.
	transport.deliver(remotePost(7, 1_500, "s", "straggler"))
	d = e.Dump()
	if d.CacheDropGuardHits == 0 {
		t.Fatal("expected the drop guard to fire")
	}
	if len(d.SnapshotTicks) != 0 || d.HasSnapshotStart {
		t.Fatalf("ring should be cleared, got %+v", d)
	}

	state := e.ComputeStateAt(e.tickForTime(9_000)).(world)
	if !hasPlayer(state, "straggler") {
		t.Fatalf("straggler post must still be admitted, roster %v", state.Players)
	}
}

func TestCacheDisabledNeverSnapshots(t *testing.T) {
	e, transport := newTestEngine(t, func(o *Options) { o.CacheDisabled = true })

	transport.deliver(remotePost(0, 1_000, "a", "x"))
	for tick := int64(0); tick < 200; tick += 20 {
		e.ComputeStateAt(tick)
	}
	if d := e.Dump(); len(d.SnapshotTicks) != 0 {
		t.Fatalf("cache disabled engines must not snapshot, got %v", d.SnapshotTicks)
	}
}

func TestCloseRefusesFurtherWork(t *testing.T) {
	e, transport := newTestEngine(t, nil)
	transport.setServerTime(10_000)

	if err := e.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !transport.closed {
		t.Fatal("close must tear down the transport")
	}
	if _, err := e.Post("me"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	// Deliveries after close are dropped.
	transport.deliver(remotePost(0, 1_000, "a", "x"))
	if d := e.Dump(); d.RemotePosts != 0 {
		t.Fatalf("post admitted after close: %+v", d)
	}
}

func TestFloorAndCeilDivision(t *testing.T) {
	cases := []struct {
		a, b, floor, ceil int64
	}{
		{7, 2, 3, 4},
		{-7, 2, -4, -3},
		{6, 3, 2, 2},
		{-6, 3, -2, -2},
		{0, 5, 0, 0},
	}
	for _, tc := range cases {
		if got := floorDiv(tc.a, tc.b); got != tc.floor {
			t.Fatalf("floorDiv(%d,%d) = %d, want %d", tc.a, tc.b, got, tc.floor)
		}
		if got := ceilDiv(tc.a, tc.b); got != tc.ceil {
			t.Fatalf("ceilDiv(%d,%d) = %d, want %d", tc.a, tc.b, got, tc.ceil)
		}
	}
}
