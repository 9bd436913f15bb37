package engine

import (
	"fmt"
	"testing"
	"time"

	"tickwire/client"
)

// seedBacklog builds a room history of count posts spaced spacingMillis
// apart starting at base, with named spawns at specific indices.
func seedBacklog(base, spacingMillis int64, count int, spawns map[int64]string) []client.Post {
	posts := make([]client.Post, count)
	for i := range posts {
		millis := base + int64(i)*spacingMillis
		posts[i] = remotePost(int64(i), millis, fmt.Sprintf("seed-%d", i), spawns[int64(i)])
	}
	return posts
}

func TestLongBacklogJoinStaysInSyncWithUncachedReplay(t *testing.T) {
	spawns := map[int64]string{0: "x", 10: "y", 20: "l", 1200: "f", 1300: "j"}
	posts := seedBacklog(10_000, 100, 1500, spawns)

	cached, transport := newTestEngine(t, nil)
	uncached, uncachedTransport := newTestEngine(t, func(o *Options) { o.CacheDisabled = true })

	for _, p := range posts {
		transport.deliver(p)
		uncachedTransport.deliver(p)
	}

	// Join at the end of the backlog and render for 90 simulated seconds.
	now := posts[len(posts)-1].ServerTime + 100
	transport.setServerTime(now)
	transport.mu.Lock()
	transport.ping = 80 * time.Millisecond
	transport.hasPing = true
	transport.mu.Unlock()

	const step = 500
	for elapsed := int64(0); elapsed < 90_000; elapsed += step {
		transport.setServerTime(now + elapsed)
		if elapsed%2_000 == 0 {
			transport.fireLatest("room-a", int64(len(posts))-1, uint64(now+elapsed))
			uncachedTransport.fireLatest("room-a", int64(len(posts))-1, uint64(now+elapsed))
		}
		if _, err := cached.ComputeRenderState(); err != nil {
			t.Fatalf("render failed at +%dms: %v", elapsed, err)
		}
	}
	transport.setServerTime(now + 90_000)

	tick, err := cached.ServerTick()
	if err != nil {
		t.Fatalf("server tick: %v", err)
	}
	got := cached.ComputeStateAt(tick).(world)
	want := uncached.ComputeStateAt(tick).(world)

	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("cached replay diverged from uncached:\n got %+v\nwant %+v", got, want)
	}
	for _, name := range []string{"x", "y", "l", "f", "j"} {
		if !hasPlayer(got, name) {
			t.Fatalf("player %q missing from roster %v", name, got.Players)
		}
	}

	d := cached.Dump()
	if d.CacheDropGuardHits != 0 {
		t.Fatalf("healthy join must not trip the drop guard, got %d hits", d.CacheDropGuardHits)
	}
	if len(d.SnapshotTicks) > defaultSnapshotCount {
		t.Fatalf("snapshot ring overflowed: %d entries", len(d.SnapshotTicks))
	}
	if d.MaxContiguousRemoteIndex != 1499 {
		t.Fatalf("expected full contiguous history, frontier %d", d.MaxContiguousRemoteIndex)
	}
}

func TestDeterminismAcrossAdmissionOrders(t *testing.T) {
	spawns := map[int64]string{0: "x", 3: "y", 7: "z", 40: "w"}
	posts := seedBacklog(10_000, 130, 60, spawns)

	inOrder, inOrderTransport := newTestEngine(t, nil)
	for _, p := range posts {
		inOrderTransport.deliver(p)
	}

	reversed, reversedTransport := newTestEngine(t, nil)
	for i := len(posts) - 1; i >= 0; i-- {
		reversedTransport.deliver(posts[i])
	}

	shuffled, shuffledTransport := newTestEngine(t, nil)
	for stride := 7; stride >= 1; stride -= 3 {
		for i := stride - 1; i < len(posts); i += 7 {
			shuffledTransport.deliver(posts[i])
		}
	}
	// Whatever the stride walk missed arrives last.
	for _, p := range posts {
		shuffledTransport.deliver(p)
	}

	last := inOrder.tickForTime(posts[len(posts)-1].ClientTime)
	for tick := int64(0); tick <= last+5; tick += 3 {
		a := fmt.Sprint(inOrder.ComputeStateAt(tick))
		b := fmt.Sprint(reversed.ComputeStateAt(tick))
		c := fmt.Sprint(shuffled.ComputeStateAt(tick))
		if a != b || a != c {
			t.Fatalf("state diverged at tick %d:\n in-order %s\n reversed %s\n shuffled %s", tick, a, b, c)
		}
	}
}

func TestCachedComputeMatchesUncachedEverywhere(t *testing.T) {
	spawns := map[int64]string{0: "x", 5: "y", 11: "z", 29: "q", 30: "r"}
	posts := seedBacklog(4_000, 77, 40, spawns)

	cached, cachedTransport := newTestEngine(t, func(o *Options) {
		o.SnapshotStride = 4
		o.SnapshotCount = 16
	})
	uncached, uncachedTransport := newTestEngine(t, func(o *Options) { o.CacheDisabled = true })

	for _, p := range posts {
		cachedTransport.deliver(p)
		uncachedTransport.deliver(p)
	}

	first := cached.tickForTime(4_000)
	window := cached.cacheWindowTicks()
	for tick := first; tick <= first+window; tick++ {
		got := fmt.Sprint(cached.ComputeStateAt(tick))
		want := fmt.Sprint(uncached.ComputeStateAt(tick))
		if got != want {
			t.Fatalf("cached state diverged at tick %d:\n got %s\nwant %s", tick, got, want)
		}
	}
}

func TestSnapshotWindowNeverExceedsCount(t *testing.T) {
	e, transport := newTestEngine(t, func(o *Options) {
		o.SnapshotStride = 2
		o.SnapshotCount = 8
	})

	transport.deliver(remotePost(0, 1_000, "a", "x"))
	transport.fireLatest("room-a", 0, 200_000)

	for millis := int64(1_000); millis <= 150_000; millis += 4_000 {
		e.ComputeStateAt(e.tickForTime(millis))
		if d := e.Dump(); len(d.SnapshotTicks) > 8 {
			t.Fatalf("snapshot ring exceeded its bound: %d", len(d.SnapshotTicks))
		}
	}
}

func TestWatermarkIsMonotonicAcrossMutations(t *testing.T) {
	e, transport := newTestEngine(t, nil)
	transport.setServerTime(50_000)

	lastSeen := int64(-1)
	check := func(context string) {
		d := e.Dump()
		if d.HasWatermark {
			if d.NoPendingPostsBeforeMs < lastSeen {
				t.Fatalf("watermark regressed from %d to %d after %s", lastSeen, d.NoPendingPostsBeforeMs, context)
			}
			lastSeen = d.NoPendingPostsBeforeMs
		}
	}

	for i := int64(0); i < 20; i++ {
		transport.deliver(remotePost(i, 10_000+i*50, fmt.Sprintf("p%d", i), ""))
		check("remote admission")
	}
	if _, err := e.Post("local"); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	check("local prediction")
	transport.fireLatest("room-a", 19, 50_000)
	check("latest-index update")
	e.ComputeStateAt(e.tickForTime(50_000))
	check("compute")
}
