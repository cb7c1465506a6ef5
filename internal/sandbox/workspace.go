package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace returns the private directory for a (channel, bot) pair,
// creating it on first use. The host owns the directory.
func (s *Sandbox) Workspace(channelID, botID string) (string, error) {
	dir := filepath.Join(s.workspaceRoot, pathSegment(channelID), pathSegment(botID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// RemoveWorkspace deletes the directory for a removed bot.
func (s *Sandbox) RemoveWorkspace(channelID, botID string) error {
	dir := filepath.Join(s.workspaceRoot, pathSegment(channelID), pathSegment(botID))
	return os.RemoveAll(dir)
}

// Cleanup removes every workspace under the root; called on shutdown.
func (s *Sandbox) Cleanup() error {
	if s.workspaceRoot == "" {
		return nil
	}
	return os.RemoveAll(s.workspaceRoot)
}

// pathSegment flattens an id into a single safe path element.
func pathSegment(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	out := replacer.Replace(id)
	if out == "" {
		out = "_"
	}
	return out
}
