package engine

import "sort"

// officialTime is the deterministic effect time of a post: the client's
// own stamp when it is fresh enough, otherwise the server stamp pushed
// back by the tolerance. Every replica computes the same value from the
// same post, whatever its own clock says.
func (e *Engine) officialTime(p *Post) int64 {
	floor := p.ServerTime - e.tolerance
	if p.ClientTime > floor {
		return p.ClientTime
	}
	return floor
}

func (e *Engine) officialTick(p *Post) int64 {
	return e.tickForTime(e.officialTime(p))
}

func (e *Engine) tickForTime(millis int64) int64 {
	return floorDiv(millis*e.tickRate, 1000)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	return -floorDiv(-a, b)
}

// admitRemote inserts an authoritative post. Callers hold e.mu.
func (e *Engine) admitRemote(p *Post) {
	if p.Index == 0 && !e.hasInitial {
		e.initialTimeValue = e.officialTime(p)
		e.initialTickValue = e.officialTick(p)
		e.hasInitial = true
	}
	if _, dup := e.remotePosts[p.Index]; dup {
		return
	}

	tick := e.officialTick(p)
	e.guardPreWindow(tick)

	e.remotePosts[p.Index] = p
	if p.Index > e.maxRemote {
		e.maxRemote = p.Index
	}

	// Advance the contiguous frontier; each post crossing it proves every
	// earlier index has arrived, so its official time is safe history.
	for {
		next, ok := e.remotePosts[e.maxContiguousRemote+1]
		if !ok {
			break
		}
		e.maxContiguousRemote++
		e.advanceWatermark(e.officialTime(next))
	}

	b := e.bucketFor(tick)
	b.remote = append(b.remote, p)
	if n := len(b.remote); n > 1 && b.remote[n-2].Index > p.Index {
		sort.Slice(b.remote, func(i, j int) bool {
			return b.remote[i].Index < b.remote[j].Index
		})
	}

	e.invalidateSnapshotsFrom(tick)
}

// admitLocal records a predicted post. Callers hold e.mu.
func (e *Engine) admitLocal(p *Post) {
	e.removeLocal(p.Name)

	tick := e.officialTick(p)
	e.guardPreWindow(tick)

	e.localPosts[p.Name] = p
	b := e.bucketFor(tick)
	b.local = append(b.local, p)

	e.invalidateSnapshotsFrom(tick)
}

// removeLocal rolls a prediction out of the timeline, by identity first
// and by name scan as a fallback. Callers hold e.mu.
func (e *Engine) removeLocal(name string) {
	p, ok := e.localPosts[name]
	if !ok {
		return
	}
	delete(e.localPosts, name)

	tick := e.officialTick(p)
	if b, ok := e.timeline[tick]; ok {
		kept := b.local[:0]
		for _, candidate := range b.local {
			if candidate == p || candidate.Name == name {
				continue
			}
			kept = append(kept, candidate)
		}
		b.local = kept
		e.dropBucketIfEmpty(tick, b)
	}

	e.invalidateSnapshotsFrom(tick)
}

// guardPreWindow handles a post landing before the snapshot window: the
// whole ring is stale, so it is cleared and rebuilt on the next compute.
// Callers hold e.mu.
func (e *Engine) guardPreWindow(tick int64) {
	if !e.cacheEnabled || !e.hasSnapshotStart {
		return
	}
	if tick >= e.snapshotStart {
		return
	}
	e.cacheDropGuardHits++
	e.snapshots = make(map[int64]any)
	e.hasSnapshotStart = false
}

// advanceWatermark raises no_pending_posts_before_ms; the watermark never
// decreases. Callers hold e.mu.
func (e *Engine) advanceWatermark(millis int64) {
	if e.hasNoPendingBefore && millis <= e.noPendingBefore {
		return
	}
	e.noPendingBefore = millis
	e.hasNoPendingBefore = true
}

func (e *Engine) bucketFor(tick int64) *bucket {
	b, ok := e.timeline[tick]
	if !ok {
		b = &bucket{}
		e.timeline[tick] = b
	}
	return b
}

func (e *Engine) dropBucketIfEmpty(tick int64, b *bucket) {
	if len(b.remote) == 0 && len(b.local) == 0 {
		delete(e.timeline, tick)
	}
}

// applyTick runs one simulation step: the tick transition, then the
// tick's remote posts in index order, then its local predictions in
// insertion order. Callers hold e.mu.
func (e *Engine) applyTick(state any, tick int64) any {
	state = e.onTick(state)
	b, ok := e.timeline[tick]
	if !ok {
		return state
	}
	for _, p := range b.remote {
		state = e.onPost(p.Data, state)
	}
	for _, p := range b.local {
		state = e.onPost(p.Data, state)
	}
	return state
}
