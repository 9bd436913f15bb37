package broker

import (
	"sync/atomic"
	"time"
)

type telemetryCounters struct {
	messagesReceived atomic.Uint64
	framesSent       atomic.Uint64
	bytesSent        atomic.Uint64
	postsAppended    atomic.Uint64
	drainsRun        atomic.Uint64
}

func newTelemetryCounters() *telemetryCounters {
	return &telemetryCounters{}
}

func (t *telemetryCounters) recordReceived() {
	t.messagesReceived.Add(1)
}

func (t *telemetryCounters) recordSent(bytes int) {
	t.framesSent.Add(1)
	t.bytesSent.Add(uint64(bytes))
}

func (t *telemetryCounters) recordPost() {
	t.postsAppended.Add(1)
}

func (t *telemetryCounters) recordDrain() {
	t.drainsRun.Add(1)
}

// RoomDiagnostics reports one room's visible state.
type RoomDiagnostics struct {
	Room     string `json:"room"`
	Posts    uint64 `json:"posts"`
	Watchers int    `json:"watchers"`
}

// DiagnosticsSnapshot is the payload served on /diagnostics.
type DiagnosticsSnapshot struct {
	Status           string            `json:"status"`
	ServerTime       int64             `json:"serverTime"`
	UptimeSeconds    int64             `json:"uptimeSeconds"`
	Connections      int               `json:"connections"`
	Rooms            []RoomDiagnostics `json:"rooms"`
	MessagesReceived uint64            `json:"messagesReceived"`
	FramesSent       uint64            `json:"framesSent"`
	BytesSent        uint64            `json:"bytesSent"`
	PostsAppended    uint64            `json:"postsAppended"`
	DrainsRun        uint64            `json:"drainsRun"`
}

// Diagnostics captures a point-in-time view of the hub for the
// diagnostics endpoint and tests.
func (h *Hub) Diagnostics() DiagnosticsSnapshot {
	h.mu.Lock()
	connections := len(h.conns)
	watcherCounts := make(map[string]int, len(h.watchers))
	for room, set := range h.watchers {
		watcherCounts[room] = len(set)
	}
	h.mu.Unlock()

	rooms := make([]RoomDiagnostics, 0)
	for _, room := range h.log.Rooms() {
		count, err := h.log.Count(room)
		if err != nil {
			continue
		}
		rooms = append(rooms, RoomDiagnostics{
			Room:     room,
			Posts:    count,
			Watchers: watcherCounts[room],
		})
	}

	return DiagnosticsSnapshot{
		Status:           "ok",
		ServerTime:       h.now().UnixMilli(),
		UptimeSeconds:    int64(time.Since(h.started).Seconds()),
		Connections:      connections,
		Rooms:            rooms,
		MessagesReceived: h.counters.messagesReceived.Load(),
		FramesSent:       h.counters.framesSent.Load(),
		BytesSent:        h.counters.bytesSent.Load(),
		PostsAppended:    h.counters.postsAppended.Load(),
		DrainsRun:        h.counters.drainsRun.Load(),
	}
}
