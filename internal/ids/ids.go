// Package ids implements ixchel's typed entity identifiers and content
// hashing. An id is always "<kind-prefix>-<hex>" where hex is the first
// 6-12 lowercase hex characters of a BLAKE3 digest.
package ids

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

// MinHexLen and MaxHexLen bound the hex suffix length spec.md §3.1 allows.
const (
	MinHexLen = 6
	MaxHexLen = 12
)

// idPattern matches "<prefix>-<hex>" with a 2-4 char lowercase-alnum prefix
// and a 6-12 char lowercase hex suffix, per spec.md §3.1.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9]{1,3}-[0-9a-f]{6,12}$`)

// Kind enumerates the entity kinds spec.md §3.1 defines.
type Kind string

const (
	KindDecision Kind = "decision"
	KindIssue    Kind = "issue"
	KindIdea     Kind = "idea"
	KindReport   Kind = "report"
	KindSource   Kind = "source"
	KindCitation Kind = "citation"
	KindAgent    Kind = "agent"
	KindSession  Kind = "session"
)

// kindMeta pairs a kind with its id prefix and directory name.
type kindMeta struct {
	Kind Kind
	Dir  string
}

// prefixes maps id prefixes to their kind metadata. Order mirrors spec.md §6.1.
var prefixes = map[string]kindMeta{
	"dec":  {KindDecision, "decisions"},
	"iss":  {KindIssue, "issues"},
	"idea": {KindIdea, "ideas"},
	"rpt":  {KindReport, "reports"},
	"src":  {KindSource, "sources"},
	"cite": {KindCitation, "citations"},
	"agt":  {KindAgent, "agents"},
	"ses":  {KindSession, "sessions"},
}

// kindToPrefix is the reverse of prefixes, built once at init.
var kindToPrefix = func() map[Kind]string {
	m := make(map[Kind]string, len(prefixes))
	for p, meta := range prefixes {
		m[meta.Kind] = p
	}
	return m
}()

// Valid reports whether s has the "<prefix>-<hex>" shape. It does not check
// that the prefix is a known kind; callers that need that should use
// PrefixKind.
func Valid(s string) bool {
	return idPattern.MatchString(s)
}

// Prefix returns the prefix portion of id, or "" if id is not id-shaped.
func Prefix(id string) string {
	i := strings.IndexByte(id, '-')
	if i < 0 {
		return ""
	}
	return id[:i]
}

// PrefixKind resolves a known id prefix to its Kind and directory name. ok
// is false for unknown prefixes (spec.md §4.2: entity_path returns None for
// unknown prefixes).
func PrefixKind(prefix string) (kind Kind, dir string, ok bool) {
	meta, found := prefixes[prefix]
	if !found {
		return "", "", false
	}
	return meta.Kind, meta.Dir, true
}

// KindPrefix returns the canonical id prefix for a kind, or "" if kind is
// unknown.
func KindPrefix(kind Kind) string {
	return kindToPrefix[kind]
}

// KindDir returns the directory name for a kind, or "" if kind is unknown.
func KindDir(kind Kind) string {
	p := kindToPrefix[kind]
	if p == "" {
		return ""
	}
	return prefixes[p].Dir
}

// NumericSuffix parses id's hex suffix as a base-16 integer, for the
// "highest numeric id" tie-break spec.md §4.8's chain walk uses (a hex
// suffix is at most 12 digits/48 bits, well within uint64). ok is false if
// id is not id-shaped.
func NumericSuffix(id string) (uint64, bool) {
	if !Valid(id) {
		return 0, false
	}
	n, err := strconv.ParseUint(id[strings.IndexByte(id, '-')+1:], 16, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ContentHash returns the hex-encoded BLAKE3-256 digest of b. Used as the
// sync manifest's content_hash (spec.md §3.3).
func ContentHash(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// New deterministically derives an id for kind from key: the hex suffix is
// BLAKE3(key) truncated to hexLen. Two calls with the same (kind, key)
// always produce the same id.
func New(kind Kind, key string, hexLen int) (string, error) {
	prefix := KindPrefix(kind)
	if prefix == "" {
		return "", fmt.Errorf("ids: unknown kind %q", kind)
	}
	hexLen = clampHexLen(hexLen)
	sum := blake3.Sum256([]byte(key))
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(sum[:])[:hexLen]), nil
}

// NewRandom derives an id for kind from a fresh random UUIDv4, per spec.md
// §3.1 ("BLAKE3(UUIDv4)[:n] for random ids").
func NewRandom(kind Kind, hexLen int) (string, error) {
	return New(kind, uuid.NewString(), hexLen)
}

func clampHexLen(n int) int {
	if n < MinHexLen {
		return MinHexLen
	}
	if n > MaxHexLen {
		return MaxHexLen
	}
	return n
}
