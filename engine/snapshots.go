package engine

// cacheWindowTicks is the tick span the snapshot ring can cover.
func (e *Engine) cacheWindowTicks() int64 {
	if e.window <= 1 {
		return 0
	}
	return e.stride * int64(e.window-1)
}

// safePruneTick is the earliest tick for which history is provably
// complete: every remote post at or before the watermark has arrived.
func (e *Engine) safePruneTick() (int64, bool) {
	if !e.hasNoPendingBefore {
		return 0, false
	}
	return e.tickForTime(e.noPendingBefore), true
}

// safeComputeTick clamps a requested tick so computing it never forces
// the snapshot window past the safe frontier.
func (e *Engine) safeComputeTick(req int64) int64 {
	safe, ok := e.safePruneTick()
	if !ok {
		return req
	}
	limit := safe + e.cacheWindowTicks()
	if req > limit {
		return limit
	}
	return req
}

// ComputeStateAt replays the post stream up to and including the given
// tick. Before the index-0 post is seen, or for ticks before the initial
// tick, it returns the configured initial state.
func (e *Engine) ComputeStateAt(tick int64) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.computeStateAtLocked(tick)
}

// ComputeCurrentState replays up to the current server tick.
func (e *Engine) ComputeCurrentState() (any, error) {
	tick, err := e.ServerTick()
	if err != nil {
		return nil, err
	}
	return e.ComputeStateAt(tick), nil
}

// ComputeRenderState blends a stable past state with the predicted
// present state. The past tick trails the present by at least the
// tolerance, and by half the measured round trip plus one tick when that
// is larger, so it only moves on authoritative history.
func (e *Engine) ComputeRenderState() (any, error) {
	curr, err := e.ServerTick()
	if err != nil {
		return nil, err
	}

	tolTicks := ceilDiv(e.tolerance*e.tickRate, 1000)
	var halfRTTTicks int64
	if ping, ok := e.transport.Ping(); ok {
		halfRTTTicks = ceilDiv(ping.Milliseconds()*e.tickRate, 2000)
	}
	remoteLag := tolTicks
	if halfRTTTicks+1 > remoteLag {
		remoteLag = halfRTTTicks + 1
	}
	remoteTick := curr - remoteLag
	if remoteTick < 0 {
		remoteTick = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	remoteState := e.computeStateAtLocked(remoteTick)
	localState := e.computeStateAtLocked(curr)
	return e.smooth(remoteState, localState), nil
}

func (e *Engine) computeStateAtLocked(at int64) any {
	at = e.safeComputeTick(at)
	if !e.hasInitial || at < e.initialTickValue {
		return e.initial
	}

	if !e.cacheEnabled {
		state := e.initial
		for t := e.initialTickValue; t <= at; t++ {
			state = e.applyTick(state, t)
		}
		return state
	}

	e.ensureSnapshots(at)

	base, ok := e.greatestSnapshotAtOrBefore(at)
	if !ok {
		state := e.initial
		for t := e.initialTickValue; t <= at; t++ {
			state = e.applyTick(state, t)
		}
		return state
	}
	state := e.snapshots[base]
	for t := base + 1; t <= at; t++ {
		state = e.applyTick(state, t)
	}
	return state
}

func (e *Engine) greatestSnapshotAtOrBefore(at int64) (int64, bool) {
	if !e.hasSnapshotStart || len(e.snapshots) == 0 || at < e.snapshotStart {
		return 0, false
	}
	last := e.snapshotStart + int64(len(e.snapshots)-1)*e.stride
	candidate := e.snapshotStart + floorDiv(at-e.snapshotStart, e.stride)*e.stride
	if candidate > last {
		candidate = last
	}
	return candidate, true
}

// ensureSnapshots extends the snapshot progression until it covers the
// requested tick, then enforces the ring bound, evicting from the oldest
// end and pruning history the window has moved past.
func (e *Engine) ensureSnapshots(at int64) {
	if !e.hasSnapshotStart {
		e.snapshotStart = e.initialTickValue
		e.hasSnapshotStart = true
	}

	n := len(e.snapshots)
	last := e.snapshotStart + int64(n-1)*e.stride
	for n == 0 || last < at {
		nextTick := e.snapshotStart + int64(n)*e.stride
		var state any
		var from int64
		if n == 0 {
			state = e.initial
			from = e.initialTickValue
		} else {
			state = e.snapshots[last]
			from = last + 1
		}
		for t := from; t <= nextTick; t++ {
			state = e.applyTick(state, t)
		}
		e.snapshots[nextTick] = state
		n++
		last = nextTick
	}

	if n > e.window {
		overflow := n - e.window
		for i := 0; i < overflow; i++ {
			delete(e.snapshots, e.snapshotStart+int64(i)*e.stride)
		}
		e.snapshotStart += int64(overflow) * e.stride
		e.pruneBeforeTick(e.snapshotStart)
	}
}

// invalidateSnapshotsFrom drops every snapshot at or past the tick; a
// mutation there changes what those snapshots would replay. Callers hold
// e.mu.
func (e *Engine) invalidateSnapshotsFrom(tick int64) {
	if !e.cacheEnabled || len(e.snapshots) == 0 {
		return
	}
	for snapTick := range e.snapshots {
		if snapTick >= tick {
			delete(e.snapshots, snapTick)
		}
	}
	if len(e.snapshots) == 0 {
		e.hasSnapshotStart = false
	}
}

// pruneBeforeTick discards timeline history below the tick, clamped to
// the safe frontier so nothing unproven is lost. A bite of the clamp is
// surfaced through the drop-guard counter.
func (e *Engine) pruneBeforeTick(tick int64) {
	limit := tick
	safe, ok := e.safePruneTick()
	if !ok {
		e.cacheDropGuardHits++
		return
	}
	if safe < limit {
		limit = safe
		e.cacheDropGuardHits++
	}

	for bucketTick, b := range e.timeline {
		if bucketTick >= limit {
			continue
		}
		for _, p := range b.remote {
			delete(e.remotePosts, p.Index)
		}
		for _, p := range b.local {
			delete(e.localPosts, p.Name)
		}
		delete(e.timeline, bucketTick)
	}
}
