package broker

import (
	nethttp "net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tickwire/wire"
)

// Handler upgrades HTTP requests to websocket connections and pumps
// decoded frames into the hub.
type Handler struct {
	hub      *Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler constructs the websocket endpoint for a hub.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}
	return &Handler{hub: hub, logger: logger, upgrader: upgrader}
}

// ServeHTTP handles one websocket client for its whole lifetime.
func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn := h.hub.Register(sock)
	h.logger.Info("connection opened", zap.String("conn", conn.ID()))
	defer func() {
		h.hub.Drop(conn)
		h.logger.Info("connection closed", zap.String("conn", conn.ID()))
	}()

	for {
		kind, payload, err := sock.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			h.logger.Warn("discarding non-binary frame", zap.String("conn", conn.ID()))
			continue
		}
		msg, err := wire.DecodeClient(payload)
		if err != nil {
			h.logger.Warn("discarding malformed frame",
				zap.String("conn", conn.ID()),
				zap.Error(err))
			continue
		}
		if err := h.hub.Dispatch(conn, msg); err != nil {
			h.logger.Warn("dispatch failed",
				zap.String("conn", conn.ID()),
				zap.Error(err))
			return
		}
	}
}
