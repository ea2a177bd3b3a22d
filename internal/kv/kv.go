// Package kv implements the ordered key-value list used to carry protocol
// requests, responses, and service-internal dictionaries (spec §3.1).
package kv

import (
	"strings"
	"unicode"
)

// Pair is a single (name, value) entry.
type Pair struct {
	Name  string
	Value string
}

// List is an ordered sequence of Pairs with O(1) name lookup. Unlike the
// teacher's reflection-based repository helpers, this is a small,
// purpose-built container: the protocol layer needs insertion order
// preserved (for response emission) and duplicate-name rejection (for
// request parsing), neither of which a map alone gives us.
type List struct {
	pairs []Pair
	index map[string]int
}

// New returns an empty List.
func New() *List {
	return &List{index: make(map[string]int)}
}

// Len returns the number of entries.
func (l *List) Len() int { return len(l.pairs) }

// Pairs returns the entries in insertion order. The returned slice must not
// be mutated by the caller.
func (l *List) Pairs() []Pair { return l.pairs }

// Get returns the value for name and whether it was present.
func (l *List) Get(name string) (string, bool) {
	if l.index == nil {
		return "", false
	}
	i, ok := l.index[name]
	if !ok {
		return "", false
	}
	return l.pairs[i].Value, true
}

// GetDefault returns the value for name, or def if absent.
func (l *List) GetDefault(name, def string) string {
	if v, ok := l.Get(name); ok {
		return v
	}
	return def
}

// Has reports whether name is present.
func (l *List) Has(name string) bool {
	_, ok := l.Get(name)
	return ok
}

// Insert appends (name, value); it returns false if name is already present.
// Insert is the strict form used while parsing a request, where duplicate
// names must be rejected rather than silently overwritten (spec §4.1).
func (l *List) Insert(name, value string) bool {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	if _, ok := l.index[name]; ok {
		return false
	}
	l.index[name] = len(l.pairs)
	l.pairs = append(l.pairs, Pair{Name: name, Value: value})
	return true
}

// Put upserts (name, value). An empty value deletes the key (spec §3.1).
func (l *List) Put(name, value string) {
	if l.index == nil {
		l.index = make(map[string]int)
	}
	if value == "" {
		l.Delete(name)
		return
	}
	if i, ok := l.index[name]; ok {
		l.pairs[i].Value = value
		return
	}
	l.index[name] = len(l.pairs)
	l.pairs = append(l.pairs, Pair{Name: name, Value: value})
}

// Delete removes name, if present.
func (l *List) Delete(name string) {
	i, ok := l.index[name]
	if !ok {
		return
	}
	l.pairs = append(l.pairs[:i], l.pairs[i+1:]...)
	delete(l.index, name)
	for n, idx := range l.index {
		if idx > i {
			l.index[n] = idx - 1
		}
	}
}

// Clone makes a deep, independent copy.
func (l *List) Clone() *List {
	n := New()
	for _, p := range l.pairs {
		n.Insert(p.Name, p.Value)
	}
	return n
}

// CopyNonEmptyFrom copies only non-empty values from src into l, the way
// session.create copies the caller's dict (spec §4.2).
func (l *List) CopyNonEmptyFrom(src *List) {
	for _, p := range src.Pairs() {
		if p.Value != "" {
			l.Put(p.Name, p.Value)
		}
	}
}

// IsInternalName reports whether name is reserved for internal use (a
// leading underscore) and must never be emitted to a client verbatim.
func IsInternalName(name string) bool {
	return strings.HasPrefix(name, "_")
}

// emittableInternal is the small allow-list of underscore-prefixed names
// that ARE emitted to the wire (spec §4.1).
var emittableInternal = map[string]bool{
	"_SESSID":    true,
	"_ALIASID":   true,
	"_timestamp": true,
	"_amount":    true,
}

// Emittable reports whether name should appear on the wire: every
// non-internal name, plus the small underscore allow-list, plus any `D[n]`
// row name used by LISTPREORDER.
func Emittable(name string) bool {
	if !IsInternalName(name) {
		return true
	}
	if emittableInternal[name] {
		return true
	}
	if strings.HasPrefix(name, "D[") && strings.HasSuffix(name, "]") {
		return true
	}
	return false
}

// ValidName reports whether name matches the protocol name grammar:
// Letter(-Letter)*, optionally carrying a `[...]` metadata suffix, or
// beginning with `_` for internal use. `:` is never permitted.
func ValidName(name string) bool {
	if name == "" || strings.ContainsRune(name, ':') {
		return false
	}
	if strings.HasPrefix(name, "_") {
		return len(name) > 1
	}
	base := name
	if i := strings.IndexByte(name, '['); i >= 0 {
		if !strings.HasSuffix(name, "]") {
			return false
		}
		base = name[:i]
		inner := name[i+1 : len(name)-1]
		if inner == "" || strings.ContainsAny(inner, "=&\t\n") {
			return false
		}
	}
	if base == "" {
		return false
	}
	segs := strings.Split(base, "-")
	for _, seg := range segs {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !unicode.IsLetter(r) {
				return false
			}
		}
	}
	return true
}

// NormalizeName applies client-input capitalization (spec §4.1 / testable
// property 2): within each hyphen-delimited segment, the first letter is
// uppercased and the rest lowercased; the region between matched `[` and
// `]` is left verbatim.
func NormalizeName(name string) string {
	if strings.HasPrefix(name, "_") {
		return name
	}
	base := name
	suffix := ""
	if i := strings.IndexByte(name, '['); i >= 0 && strings.HasSuffix(name, "]") {
		base = name[:i]
		suffix = name[i:]
	}
	segs := strings.Split(base, "-")
	for i, seg := range segs {
		segs[i] = capitalizeSegment(seg)
	}
	return strings.Join(segs, "-") + suffix
}

func capitalizeSegment(seg string) string {
	if seg == "" {
		return seg
	}
	r := []rune(seg)
	out := make([]rune, len(r))
	out[0] = unicode.ToUpper(r[0])
	for i := 1; i < len(r); i++ {
		out[i] = unicode.ToLower(r[i])
	}
	return string(out)
}
