// Package handlers registers the HTTP routes: the JSON-RPC tool
// endpoint, liveness, metrics, and the websocket message stream.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mcpmux/mcpmux/internal/rpc"
)

// RPCHandler serves POST /mcp: JSON-RPC 2.0 tools/list and tools/call.
type RPCHandler struct {
	facade        *rpc.Facade
	sessionHeader string
	logger        *slog.Logger
}

// NewRPCHandler creates the JSON-RPC handler.
func NewRPCHandler(log *slog.Logger, facade *rpc.Facade, sessionHeader string) *RPCHandler {
	return &RPCHandler{
		facade:        facade,
		sessionHeader: sessionHeader,
		logger:        log.With(slog.String("handler", "rpc")),
	}
}

// Register mounts POST /mcp on the Echo instance.
func (h *RPCHandler) Register(e *echo.Echo) {
	e.POST("/mcp", h.Handle)
}

// Handle decodes one JSON-RPC request, resolves the transport session
// from the configured header, and dispatches to the facade.
func (h *RPCHandler) Handle(c echo.Context) error {
	var req rpc.JSONRPCRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusOK, rpc.ErrorResponse(nil, rpc.CodeParseError, "invalid JSON"))
	}

	sessionID := strings.TrimSpace(c.Request().Header.Get(h.sessionHeader))
	resp := h.facade.Handle(c.Request().Context(), sessionID, req)
	if resp == nil {
		return c.NoContent(http.StatusAccepted)
	}
	return c.JSON(http.StatusOK, resp)
}
