// Command mcp runs the channel server over stdio MCP. The whole engine
// lives in-process; a generated session id stands in for the transport
// session.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpmux/mcpmux/internal/bots"
	"github.com/mcpmux/mcpmux/internal/bots/builtin"
	"github.com/mcpmux/mcpmux/internal/channels"
	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/ids"
	"github.com/mcpmux/mcpmux/internal/logger"
	"github.com/mcpmux/mcpmux/internal/rpc"
	"github.com/mcpmux/mcpmux/internal/sandbox"
	"github.com/mcpmux/mcpmux/internal/version"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = cfg.Log.Level
	}
	// stdout carries the protocol; force logs to text on stderr defaults.
	logger.Init(logLevel, cfg.Log.Format)

	facade, sb := buildFacade(cfg)
	defer func() {
		if err := sb.Cleanup(); err != nil {
			logger.Warn("workspace cleanup failed", slog.Any("error", err))
		}
	}()

	sessionID := os.Getenv("MCPMUX_SESSION_ID")
	if sessionID == "" {
		sessionID = ids.NewSessionID()
	}

	server := sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "mcpmux", Version: version.Version},
		&sdkmcp.ServerOptions{
			Capabilities: &sdkmcp.ServerCapabilities{
				Tools: &sdkmcp.ToolCapabilities{ListChanged: false},
			},
		},
	)
	server.AddReceivingMiddleware(toolMiddleware(facade, sessionID))

	if err := server.Run(context.Background(), &sdkmcp.StdioTransport{}); err != nil {
		logger.Error("mcp server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildFacade(cfg config.Config) (*rpc.Facade, *sandbox.Sandbox) {
	log := logger.L
	dispatcher := channels.NewDispatcher(nil)
	store := channels.NewStore(log, dispatcher, nil)
	sb := sandbox.New(log, cfg.Sandbox.HookTimeoutDuration(), cfg.Sandbox.WorkspaceRoot)
	registry := bots.NewRegistry()
	builtin.Register(registry)
	manager := bots.NewManager(log, store, sb, registry, nil)
	return rpc.NewFacade(log, cfg, store, manager), sb
}

// toolMiddleware routes tools/list and tools/call into the facade,
// deferring everything else to the SDK.
func toolMiddleware(facade *rpc.Facade, sessionID string) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			switch strings.TrimSpace(method) {
			case "tools/list":
				return &sdkmcp.ListToolsResult{
					Tools: sdkTools(facade.Registry().List()),
				}, nil
			case "tools/call":
				callReq, ok := req.(*sdkmcp.ServerRequest[*sdkmcp.CallToolParamsRaw])
				if !ok || callReq == nil || callReq.Params == nil {
					return nil, fmt.Errorf("tools/call params is required")
				}
				return callTool(ctx, facade, sessionID, callReq.Params)
			default:
				return next(ctx, method, req)
			}
		}
	}
}

func callTool(ctx context.Context, facade *rpc.Facade, sessionID string, params *sdkmcp.CallToolParamsRaw) (*sdkmcp.CallToolResult, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, fmt.Errorf("tools/call name is required")
	}
	arguments := map[string]any{}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &arguments); err != nil {
			return nil, err
		}
	}

	req, err := rpc.NewToolCallRequest("stdio-1", name, arguments)
	if err != nil {
		return nil, err
	}
	resp := facade.Handle(ctx, sessionID, req)
	if resp == nil {
		return nil, fmt.Errorf("no response for tools/call")
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s", resp.Error.Message)
	}

	// Re-encode the facade's tool result into the SDK shape.
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	var out sdkmcp.CallToolResult
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sdkTools(items []rpc.ToolDescriptor) []*sdkmcp.Tool {
	tools := make([]*sdkmcp.Tool, 0, len(items))
	for _, item := range items {
		inputSchema := item.InputSchema
		if inputSchema == nil {
			inputSchema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		tools = append(tools, &sdkmcp.Tool{
			Name:        item.Name,
			Description: item.Description,
			InputSchema: inputSchema,
		})
	}
	return tools
}
