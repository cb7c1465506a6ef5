// Package sandbox compiles bot source under a restricted capability set
// and enforces per-hook wall-clock deadlines. The screening guards
// against honest mistakes and obvious overreach, not a determined
// adversary.
package sandbox

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/mcpmux/mcpmux/internal/apperr"
)

// DefaultHookTimeout bounds a single hook invocation.
const DefaultHookTimeout = 5 * time.Second

// Program is the compiled artifact for one bot definition: the screened
// source plus the exported bot class chosen from it.
type Program struct {
	Source    string
	ClassName string
}

// Sandbox screens inline bot source and runs hooks under a deadline.
type Sandbox struct {
	hookTimeout   time.Duration
	workspaceRoot string
	logger        *slog.Logger
}

// New creates a sandbox. hookTimeout <= 0 selects the default.
func New(log *slog.Logger, hookTimeout time.Duration, workspaceRoot string) *Sandbox {
	if log == nil {
		log = slog.Default()
	}
	if hookTimeout <= 0 {
		hookTimeout = DefaultHookTimeout
	}
	return &Sandbox{
		hookTimeout:   hookTimeout,
		workspaceRoot: workspaceRoot,
		logger:        log.With(slog.String("service", "sandbox")),
	}
}

// HookTimeout returns the configured per-hook deadline.
func (s *Sandbox) HookTimeout() time.Duration { return s.hookTimeout }

// Compile statically restricts source and selects the exported bot
// class: a top-level name matching declaredName, else the first
// capitalized, non-underscore-prefixed class-like definition.
func (s *Sandbox) Compile(source, declaredName string) (*Program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, apperr.New(apperr.CodeCompileError, "empty source")
	}

	classes, err := screen(source)
	if err != nil {
		return nil, err
	}

	className := chooseClass(classes, declaredName)
	if className == "" {
		return nil, apperr.Newf(apperr.CodeNoBotClass, "no bot class found for %q", declaredName)
	}

	return &Program{Source: source, ClassName: className}, nil
}

func chooseClass(classes []string, declaredName string) string {
	for _, name := range classes {
		if name == declaredName {
			return name
		}
	}
	for _, name := range classes {
		if exportable(name) {
			return name
		}
	}
	return ""
}

func exportable(name string) bool {
	if name == "" || strings.HasPrefix(name, "_") {
		return false
	}
	return unicode.IsUpper(rune(name[0]))
}

// RunHook executes fn under the sandbox's wall-clock deadline. On
// overrun it returns HOOK_TIMEOUT and abandons the invocation; state
// writes and posts completed before the deadline remain durable.
func (s *Sandbox) RunHook(ctx context.Context, hook string, fn func(ctx context.Context) error) error {
	hookCtx, cancel := context.WithTimeout(ctx, s.hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(hookCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("hook deadline exceeded", slog.String("hook", hook), slog.Duration("timeout", s.hookTimeout))
		return apperr.Newf(apperr.CodeHookTimeout, "%s exceeded %s", hook, s.hookTimeout)
	}
}
