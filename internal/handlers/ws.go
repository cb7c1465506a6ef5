package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mcpmux/mcpmux/internal/channels"
)

// wsPollInterval bounds each long-poll leg so the writer notices a
// cancelled client between appends.
const wsPollInterval = 25 * time.Second

// WSHandler streams channel messages over a websocket. Long-poll
// sync_messages remains the canonical delivery path; this is a push
// convenience on top of the same watermark semantics.
type WSHandler struct {
	store    *channels.Store
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates the websocket stream handler.
func NewWSHandler(log *slog.Logger, store *channels.Store) *WSHandler {
	return &WSHandler{
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: log.With(slog.String("handler", "ws")),
	}
}

// Register mounts GET /channels/:id/ws.
func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/channels/:id/ws", h.Stream)
}

// Stream upgrades the connection and pushes every message after the
// requested cursor as it appends. Query params: session (required),
// cursor (optional, defaults to 0).
func (h *WSHandler) Stream(c echo.Context) error {
	channelID := c.Param("id")
	sessionID := c.QueryParam("session")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session query param is required")
	}
	cursor := int64(0)
	if raw := c.QueryParam("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "cursor must be an integer")
		}
		cursor = parsed
	}
	if !h.store.IsMember(channelID, sessionID) {
		return echo.NewHTTPError(http.StatusForbidden, "session holds no slot in this channel")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Reader drains control frames and cancels the stream when the peer
	// goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		synced, err := h.store.SyncMessages(ctx, channelID, sessionID, cursor, wsPollInterval)
		if err != nil {
			h.logger.Warn("stream sync failed",
				slog.String("channel_id", channelID),
				slog.String("error", err.Error()))
			return nil
		}
		for _, msg := range synced.Messages {
			if err := conn.WriteJSON(msg); err != nil {
				return nil
			}
		}
		cursor = synced.Cursor

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
