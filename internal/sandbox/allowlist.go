package sandbox

// importAllowlist is the exact set of top-level modules inline bot code
// may import. Anything else is rejected at compile time.
var importAllowlist = map[string]struct{}{
	// core
	"json":        {},
	"math":        {},
	"random":      {},
	"datetime":    {},
	"time":        {},
	"re":          {},
	"base64":      {},
	"hashlib":     {},
	"hmac":        {},
	"secrets":     {},
	"collections": {},
	"itertools":   {},
	"functools":   {},
	"io":          {},
	"traceback":   {},
	"typing":      {},
	"copy":        {},
	"weakref":     {},
	"warnings":    {},
	"email":       {},
	// network
	"socket":             {},
	"ssl":                {},
	"http":               {},
	"urllib":             {},
	"urllib3":            {},
	"requests":           {},
	"certifi":            {},
	"charset_normalizer": {},
	"idna":               {},
}

// dunderAllowlist is the set of double-underscore names inline code may
// reference. Reaching for anything else (e.g. __globals__, __import__)
// is treated as overreach.
var dunderAllowlist = map[string]struct{}{
	"__init__":     {},
	"__repr__":     {},
	"__str__":      {},
	"__eq__":       {},
	"__lt__":       {},
	"__hash__":     {},
	"__len__":      {},
	"__iter__":     {},
	"__next__":     {},
	"__contains__": {},
	"__getitem__":  {},
	"__setitem__":  {},
	"__enter__":    {},
	"__exit__":     {},
	"__call__":     {},
	"__name__":     {},
	"__main__":     {},
	"__doc__":      {},
	"__all__":      {},
	"__version__":  {},
}

// deniedCallables are restricted builtins that must not appear in
// inline source at all.
var deniedCallables = []string{
	"eval",
	"exec",
	"compile",
	"__import__",
	"globals",
	"locals",
	"vars",
	"breakpoint",
}
