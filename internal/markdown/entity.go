package markdown

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// reservedKeys are the frontmatter keys spec.md §3.1 excludes from
// relationship extraction.
var reservedKeys = map[string]bool{
	"id": true, "type": true, "title": true, "status": true, "date": true,
	"created_at": true, "updated_at": true, "created_by": true, "tags": true,
}

// idShape matches a bare id value inside a relationship list. It is the
// same pattern ids.Valid uses, a format-only check that does not look at
// whether the prefix names a known kind (spec.md §3.1, I3).
var idShape = regexp.MustCompile(`^[a-z][a-z0-9]{1,3}-[0-9a-f]{6,12}$`)

// Entity is the domain view of a parsed Markdown file: the decoded
// frontmatter fields spec.md §3.1 names, plus its open-world relationships
// and body.
type Entity struct {
	ID            string
	Kind          string
	Title         string
	Status        string
	CreatedBy     string
	Date          string // optional free-form date scalar (spec.md §3.1/§4.3 item 4); not parsed as a timestamp
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Tags          []string
	Relationships map[string][]string // rel-name -> ordered target ids, format-valid only
	Body          string
}

// ToEntity extracts an Entity from a parsed Document. It does not validate
// the result (that is internal/validate's job); it only shapes the data
// spec.md §3.1 describes, dropping relationship targets that are not
// id-shaped (I3).
func ToEntity(doc *Document) (*Entity, error) {
	e := &Entity{
		Relationships: make(map[string][]string),
		Body:          doc.Body,
	}

	fm := doc.Frontmatter
	if v, ok := fm.Get("id"); ok {
		e.ID, _ = StringValue(v)
	}
	if v, ok := fm.Get("type"); ok {
		e.Kind, _ = StringValue(v)
	}
	if v, ok := fm.Get("title"); ok {
		e.Title, _ = StringValue(v)
	}
	if v, ok := fm.Get("status"); ok {
		e.Status, _ = StringValue(v)
	}
	if v, ok := fm.Get("created_by"); ok {
		e.CreatedBy, _ = StringValue(v)
	}
	if v, ok := fm.Get("date"); ok {
		if _, isList := v.([]any); isList {
			return nil, fmt.Errorf("date: must be a single scalar string, not a list")
		}
		e.Date, _ = StringValue(v)
	}
	if v, ok := fm.Get("created_at"); ok {
		s, _ := StringValue(v)
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		e.CreatedAt = t
	}
	if v, ok := fm.Get("updated_at"); ok {
		s, _ := StringValue(v)
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("updated_at: %w", err)
		}
		e.UpdatedAt = t
	}
	if v, ok := fm.Get("tags"); ok {
		e.Tags = NormalizeTags(StringSlice(v))
	}

	for pair := fm.Oldest(); pair != nil; pair = pair.Next() {
		if reservedKeys[pair.Key] {
			continue
		}
		var targets []string
		for _, t := range StringSlice(pair.Value) {
			if idShape.MatchString(t) {
				targets = append(targets, t)
			}
		}
		if len(targets) > 0 {
			e.Relationships[pair.Key] = targets
		}
	}

	return e, nil
}

// tagFold casefolds and width-folds a trimmed tag for duplicate comparison;
// golang.org/x/text/width first normalizes fullwidth/halfwidth variants
// before golang.org/x/text/cases.Fold applies a locale-independent
// casefold, since a straight cases.Fold alone wouldn't merge e.g. "ＡＢＣ"
// and "abc".
var tagFoldCaser = cases.Fold()

func tagFold(s string) string {
	folded, err := width.Fold.String(s)
	if err != nil {
		folded = s
	}
	return tagFoldCaser.String(folded)
}

// NormalizeTags trims whitespace and collapses duplicate tags while
// preserving first-seen order and the first-seen tag's original casing,
// per spec.md §3.1 invariant I4: duplicates are detected by casefold, so
// "Foo" and "foo" collapse to whichever form appeared first.
func NormalizeTags(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			continue
		}
		key := tagFold(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, trimmed)
	}
	return out
}

// FromEntity renders an Entity back into a Document, re-deriving
// frontmatter in the canonical field order bd/ixchel writes new files in:
// id, type, title, status, created_at, updated_at, created_by, date, tags,
// then relationships sorted by rel-name for determinism on fresh writes.
// Editing an existing file should instead mutate its parsed Document in
// place so round-trip (I3) preserves the original author's key order.
func FromEntity(e *Entity) *Document {
	fm := orderedmap.New[string, any]()
	fm.Set("id", e.ID)
	fm.Set("type", e.Kind)
	fm.Set("title", e.Title)
	if e.Status != "" {
		fm.Set("status", e.Status)
	}
	fm.Set("created_at", e.CreatedAt.UTC().Format(time.RFC3339))
	fm.Set("updated_at", e.UpdatedAt.UTC().Format(time.RFC3339))
	if e.CreatedBy != "" {
		fm.Set("created_by", e.CreatedBy)
	}
	if e.Date != "" {
		fm.Set("date", e.Date)
	}
	if len(e.Tags) > 0 {
		tags := make([]any, len(e.Tags))
		for i, t := range e.Tags {
			tags[i] = t
		}
		fm.Set("tags", tags)
	}

	relNames := make([]string, 0, len(e.Relationships))
	for name := range e.Relationships {
		relNames = append(relNames, name)
	}
	sort.Strings(relNames)
	for _, name := range relNames {
		targets := e.Relationships[name]
		if len(targets) == 1 {
			fm.Set(name, targets[0])
			continue
		}
		vals := make([]any, len(targets))
		for i, t := range targets {
			vals[i] = t
		}
		fm.Set(name, vals)
	}

	return &Document{Frontmatter: fm, Body: e.Body}
}
