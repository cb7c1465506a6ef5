package sandbox

import (
	"regexp"
	"strings"

	"github.com/mcpmux/mcpmux/internal/apperr"
)

var (
	importRe     = regexp.MustCompile(`^\s*import\s+(.+)$`)
	fromImportRe = regexp.MustCompile(`^\s*from\s+([A-Za-z_][\w.]*)\s+import\b`)
	dunderRe     = regexp.MustCompile(`__[A-Za-z][A-Za-z0-9]*__`)
	classDefRe   = regexp.MustCompile(`^(?:class|def)\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

// screen statically restricts source before it is accepted: import
// allowlist, denied builtins, and the dunder allowlist. It returns the
// top-level class-like names found, in declaration order.
func screen(source string) ([]string, error) {
	var classes []string

	for _, rawLine := range strings.Split(source, "\n") {
		line := stripLine(rawLine)
		if line == "" {
			continue
		}

		if m := fromImportRe.FindStringSubmatch(line); m != nil {
			if err := checkImport(m[1]); err != nil {
				return nil, err
			}
			continue
		}
		if m := importRe.FindStringSubmatch(line); m != nil {
			for _, mod := range strings.Split(m[1], ",") {
				mod = strings.TrimSpace(mod)
				// "import x as y"
				if name, _, found := strings.Cut(mod, " "); found {
					mod = name
				}
				if err := checkImport(mod); err != nil {
					return nil, err
				}
			}
			continue
		}

		for _, denied := range deniedCallables {
			if containsIdentifier(line, denied) {
				return nil, apperr.Newf(apperr.CodeCompileError, "restricted builtin %q is not available", denied)
			}
		}
		for _, dunder := range dunderRe.FindAllString(line, -1) {
			if _, ok := dunderAllowlist[dunder]; !ok {
				return nil, apperr.Newf(apperr.CodeCompileError, "attribute %s is not allowed", dunder)
			}
		}

		// Top-level (column zero) class or def declarations.
		if m := classDefRe.FindStringSubmatch(rawLine); m != nil {
			classes = append(classes, m[1])
		}
	}

	return classes, nil
}

func checkImport(module string) error {
	top := module
	if head, _, found := strings.Cut(module, "."); found {
		top = head
	}
	top = strings.TrimSpace(top)
	if _, ok := importAllowlist[top]; !ok {
		return apperr.Newf(apperr.CodeImportDenied, "module %q is not in the import allowlist", top)
	}
	return nil
}

// stripLine removes comments and string literal contents so denied
// tokens inside quoted text do not trip the screen. Triple-quoted
// blocks are treated line by line, which is conservative but simple.
func stripLine(line string) string {
	var out strings.Builder
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '#':
			return strings.TrimSpace(out.String())
		default:
			out.WriteByte(c)
		}
	}
	return strings.TrimSpace(out.String())
}

// containsIdentifier reports whether name occurs in line as a bare
// identifier rather than a substring of a longer one.
func containsIdentifier(line, name string) bool {
	for start := 0; ; {
		idx := strings.Index(line[start:], name)
		if idx < 0 {
			return false
		}
		idx += start
		before := idx == 0 || !isIdentChar(line[idx-1])
		afterIdx := idx + len(name)
		after := afterIdx >= len(line) || !isIdentChar(line[afterIdx])
		// Attribute access like obj.eval is still the denied surface.
		if before && after {
			return true
		}
		start = afterIdx
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
