package engine

import "sort"

// TimelineBucket is the diagnostic view of one tick's posts.
type TimelineBucket struct {
	Tick          int64
	RemoteIndices []int64
	LocalNames    []string
}

// Diagnostics is a point-in-time dump of the engine's bookkeeping,
// exposed for tests and debugging overlays.
type Diagnostics struct {
	Room                     string
	RemotePosts              int
	LocalPosts               int
	MaxRemoteIndex           int64
	MaxContiguousRemoteIndex int64
	NoPendingPostsBeforeMs   int64
	HasWatermark             bool
	SnapshotStartTick        int64
	HasSnapshotStart         bool
	SnapshotTicks            []int64
	CacheDropGuardHits       uint64
	Timeline                 []TimelineBucket
}

// Dump captures the engine's internal state.
func (e *Engine) Dump() Diagnostics {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := Diagnostics{
		Room:                     e.room,
		RemotePosts:              len(e.remotePosts),
		LocalPosts:               len(e.localPosts),
		MaxRemoteIndex:           e.maxRemote,
		MaxContiguousRemoteIndex: e.maxContiguousRemote,
		NoPendingPostsBeforeMs:   e.noPendingBefore,
		HasWatermark:             e.hasNoPendingBefore,
		SnapshotStartTick:        e.snapshotStart,
		HasSnapshotStart:         e.hasSnapshotStart,
		CacheDropGuardHits:       e.cacheDropGuardHits,
	}

	d.SnapshotTicks = make([]int64, 0, len(e.snapshots))
	for tick := range e.snapshots {
		d.SnapshotTicks = append(d.SnapshotTicks, tick)
	}
	sort.Slice(d.SnapshotTicks, func(i, j int) bool { return d.SnapshotTicks[i] < d.SnapshotTicks[j] })

	ticks := make([]int64, 0, len(e.timeline))
	for tick := range e.timeline {
		ticks = append(ticks, tick)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })

	d.Timeline = make([]TimelineBucket, 0, len(ticks))
	for _, tick := range ticks {
		b := e.timeline[tick]
		entry := TimelineBucket{Tick: tick}
		for _, p := range b.remote {
			entry.RemoteIndices = append(entry.RemoteIndices, p.Index)
		}
		for _, p := range b.local {
			entry.LocalNames = append(entry.LocalNames, p.Name)
		}
		d.Timeline = append(d.Timeline, entry)
	}
	return d
}
