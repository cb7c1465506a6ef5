package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcpmux/mcpmux/internal/apperr"
)

func newTestSandbox(t *testing.T, timeout time.Duration) *Sandbox {
	t.Helper()
	return New(nil, timeout, t.TempDir())
}

func TestCompileSelectsDeclaredClass(t *testing.T) {
	sb := newTestSandbox(t, 0)
	source := "class Helper:\n    pass\n\nclass GuessBot:\n    pass\n"
	program, err := sb.Compile(source, "GuessBot")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if program.ClassName != "GuessBot" {
		t.Fatalf("expected GuessBot, got %s", program.ClassName)
	}
}

func TestCompileFallsBackToFirstExportable(t *testing.T) {
	sb := newTestSandbox(t, 0)
	source := "def _private():\n    pass\n\nclass EchoBot:\n    pass\n"
	program, err := sb.Compile(source, "SomethingElse")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if program.ClassName != "EchoBot" {
		t.Fatalf("expected EchoBot, got %s", program.ClassName)
	}
}

func TestCompileNoBotClass(t *testing.T) {
	sb := newTestSandbox(t, 0)
	_, err := sb.Compile("x = 1\ndef _helper():\n    pass\n", "GuessBot")
	if !apperr.Is(err, apperr.CodeNoBotClass) {
		t.Fatalf("expected NO_BOT_CLASS, got %v", err)
	}
}

func TestCompileEmptySource(t *testing.T) {
	sb := newTestSandbox(t, 0)
	if _, err := sb.Compile("   \n", "GuessBot"); !apperr.Is(err, apperr.CodeCompileError) {
		t.Fatalf("expected COMPILE_ERROR, got %v", err)
	}
}

func TestScreenImportAllowlist(t *testing.T) {
	cases := []struct {
		name   string
		source string
		code   string
	}{
		{"allowed import", "import json\nclass B:\n    pass\n", ""},
		{"allowed from", "from hashlib import sha256\nclass B:\n    pass\n", ""},
		{"allowed dotted", "import urllib.parse\nclass B:\n    pass\n", ""},
		{"allowed aliased", "import json as j\nclass B:\n    pass\n", ""},
		{"denied os", "import os\nclass B:\n    pass\n", apperr.CodeImportDenied},
		{"denied from", "from subprocess import run\nclass B:\n    pass\n", apperr.CodeImportDenied},
		{"denied dotted", "import os.path\nclass B:\n    pass\n", apperr.CodeImportDenied},
		{"denied in list", "import json, sys\nclass B:\n    pass\n", apperr.CodeImportDenied},
	}
	sb := newTestSandbox(t, 0)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := sb.Compile(tc.source, "B")
			if tc.code == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !apperr.Is(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestScreenDeniedBuiltins(t *testing.T) {
	cases := []struct {
		name   string
		source string
	}{
		{"eval", "class B:\n    def run(self):\n        eval('1')\n"},
		{"exec", "class B:\n    def run(self):\n        exec('x=1')\n"},
		{"dunder import", "class B:\n    def run(self):\n        __import__('os')\n"},
		{"globals", "class B:\n    def run(self):\n        globals()\n"},
	}
	sb := newTestSandbox(t, 0)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := sb.Compile(tc.source, "B"); !apperr.Is(err, apperr.CodeCompileError) {
				t.Fatalf("expected COMPILE_ERROR, got %v", err)
			}
		})
	}
}

func TestScreenDunderAllowlist(t *testing.T) {
	sb := newTestSandbox(t, 0)

	ok := "class B:\n    def __init__(self):\n        pass\n    def __repr__(self):\n        return 'B'\n"
	if _, err := sb.Compile(ok, "B"); err != nil {
		t.Fatalf("allowlisted dunders rejected: %v", err)
	}

	bad := "class B:\n    def run(self):\n        return self.__class__.__subclasses__()\n"
	if _, err := sb.Compile(bad, "B"); !apperr.Is(err, apperr.CodeCompileError) {
		t.Fatalf("expected COMPILE_ERROR, got %v", err)
	}
}

func TestScreenIgnoresStringsAndComments(t *testing.T) {
	sb := newTestSandbox(t, 0)
	source := "class B:\n" +
		"    # eval is mentioned here\n" +
		"    def run(self):\n" +
		"        return 'calling eval(x) in a string'\n"
	if _, err := sb.Compile(source, "B"); err != nil {
		t.Fatalf("quoted/commented tokens tripped the screen: %v", err)
	}
}

func TestScreenIdentifierBoundaries(t *testing.T) {
	sb := newTestSandbox(t, 0)
	source := "class B:\n    def run(self):\n        evaluation = 1\n        return evaluation\n"
	if _, err := sb.Compile(source, "B"); err != nil {
		t.Fatalf("substring match tripped the screen: %v", err)
	}
}

func TestRunHookTimeout(t *testing.T) {
	sb := newTestSandbox(t, 50*time.Millisecond)

	err := sb.RunHook(context.Background(), "on_message", func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if !apperr.Is(err, apperr.CodeHookTimeout) {
		t.Fatalf("expected HOOK_TIMEOUT, got %v", err)
	}
}

func TestRunHookSuccessAndError(t *testing.T) {
	sb := newTestSandbox(t, time.Second)

	if err := sb.RunHook(context.Background(), "on_init", func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	boom := errors.New("boom")
	err := sb.RunHook(context.Background(), "on_init", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected hook error to pass through, got %v", err)
	}
}

func TestRunHookCallerCancellation(t *testing.T) {
	sb := newTestSandbox(t, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sb.RunHook(ctx, "on_message", func(hookCtx context.Context) error {
		<-hookCtx.Done()
		return hookCtx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	sb := newTestSandbox(t, 0)

	dir, err := sb.Workspace("chn_1", "bot_guess_0")
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}

	// Creation is idempotent.
	again, err := sb.Workspace("chn_1", "bot_guess_0")
	if err != nil || again != dir {
		t.Fatalf("expected stable workspace path, got %s (%v)", again, err)
	}

	if err := sb.RemoveWorkspace("chn_1", "bot_guess_0"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("workspace not removed: %v", err)
	}
}

func TestWorkspaceSanitizesSegments(t *testing.T) {
	sb := newTestSandbox(t, 0)
	dir, err := sb.Workspace("../escape", "bot/../../etc")
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	rel, err := filepath.Rel(sb.workspaceRoot, dir)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) >= 2 && rel[:2] == ".." {
		t.Fatalf("workspace escaped the root: %s", dir)
	}
}
