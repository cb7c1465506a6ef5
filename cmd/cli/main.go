// Command cli is a terminal client for the channel server, speaking
// JSON-RPC tools/call over HTTP with a session id header.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/ids"
	"github.com/mcpmux/mcpmux/internal/rpc"
	"github.com/mcpmux/mcpmux/internal/version"
)

var (
	serverURL string
	sessionID string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "mcpmux-cli",
	Short: "Terminal client for the mcpmux channel server",
}

func init() {
	defaultSession := os.Getenv("MCPMUX_SESSION_ID")
	if defaultSession == "" {
		defaultSession = ids.NewSessionID()
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://127.0.0.1:9201", "Base URL of the channel server")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "i", defaultSession, "Session id presented to the server")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 90*time.Second, "Request timeout")

	rootCmd.AddCommand(
		versionCmd,
		createCmd,
		joinCmd,
		postCmd,
		moveCmd,
		syncCmd,
		infoCmd,
		botsCmd,
		codeCmd,
		channelsCmd,
	)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcpmux CLI %s\n", version.GetInfo())
	},
}

var createCmd = &cobra.Command{
	Use:   "create <name> <slot-spec>...",
	Short: "Create a channel from ordered kind:label slot specs",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		toolArgs := map[string]any{
			"name":  args[0],
			"slots": args[1:],
		}
		botName, _ := cmd.Flags().GetString("bot")
		if botName != "" {
			toolArgs["bots"] = []any{map[string]any{
				"name":     botName,
				"code_ref": "builtin://" + botName,
			}}
		}
		return callTool("create_channel", toolArgs)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <invite-or-rejoin>",
	Short: "Claim a slot with an invite code or rejoin token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callTool("join_channel", map[string]any{
			"invite_or_rejoin": args[0],
		})
	},
}

var postCmd = &cobra.Command{
	Use:   "post <channel-id> <text>",
	Short: "Post a user text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callTool("post_message", map[string]any{
			"channel_id": args[0],
			"kind":       "user",
			"body": map[string]any{
				"type": "text",
				"text": strings.Join(args[1:], " "),
			},
		})
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <channel-id> <game> <value>",
	Short: "Make a game move (use --action to concede)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		toolArgs := map[string]any{
			"channel_id": args[0],
			"game":       args[1],
			"action":     action,
		}
		if len(args) == 3 {
			value, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("value must be an integer: %w", err)
			}
			toolArgs["value"] = value
		}
		return callTool("make_game_move", toolArgs)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <channel-id> [cursor]",
	Short: "Fetch messages after the cursor, long-polling",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cursor := int64(0)
		if len(args) == 2 {
			parsed, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("cursor must be an integer: %w", err)
			}
			cursor = parsed
		}
		timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")
		return callTool("sync_messages", map[string]any{
			"channel_id": args[0],
			"cursor":     cursor,
			"timeout_ms": timeoutMs,
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <channel-id>",
	Short: "Show the channel view and attached bots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callTool("get_channel_info", map[string]any{
			"channel_id": args[0],
		})
	},
}

var botsCmd = &cobra.Command{
	Use:   "bots <channel-id>",
	Short: "List attached bots (alias for info)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callTool("get_channel_info", map[string]any{
			"channel_id": args[0],
		})
	},
}

var codeCmd = &cobra.Command{
	Use:   "code <channel-id> <bot-id>",
	Short: "Fetch a bot's code, manifest, and hashes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callTool("get_bot_code", map[string]any{
			"channel_id": args[0],
			"bot_id":     args[1],
		})
	},
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List all channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callTool("list_channels", map[string]any{})
	},
}

func main() {
	createCmd.Flags().String("bot", "", "Attach a builtin bot by name")
	moveCmd.Flags().String("action", "guess", "Move action (guess or concede)")
	syncCmd.Flags().Int("timeout-ms", 0, "Long-poll timeout in milliseconds")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func callTool(name string, args map[string]any) error {
	req, err := rpc.NewToolCallRequest("cli-1", name, args)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	url := strings.TrimRight(serverURL, "/") + "/mcp"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(config.DefaultSessionIDHeader, sessionID)

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if errObj, ok := payload["error"].(map[string]any); ok {
		msg, _ := errObj["message"].(string)
		return fmt.Errorf("rpc error: %s", msg)
	}

	structured, ok := rpc.StructuredContent(payload)
	if !ok {
		structured = payload
	}
	pretty, err := json.MarshalIndent(structured, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))

	if result, ok := payload["result"].(map[string]any); ok {
		if isErr, ok := result["isError"].(bool); ok && isErr {
			os.Exit(1)
		}
	}
	return nil
}
