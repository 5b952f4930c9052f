// Package validate implements ixchel's validator (spec.md §4.3): a
// read-only sweep over every entity file that reports format and
// consistency problems without mutating anything. Grounded on the
// teacher's internal/validation package (bead.go, issue.go) — small,
// focused Validate*/Parse* functions each returning a descriptive error,
// generalized here into one repo-wide report of (path, message,
// suggestion) triples.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ixchel-dev/ixchel/internal/ids"
	"github.com/ixchel-dev/ixchel/internal/layout"
	"github.com/ixchel-dev/ixchel/internal/markdown"
)

// Issue is one validation finding.
type Issue struct {
	Path       string
	Message    string
	Suggestion string
}

var titleCaser = cases.Title(language.Und)

// parsedEntity pairs a successfully parsed Entity with its file locations.
type parsedEntity struct {
	path string
	rel  string
	ent  *markdown.Entity
	kind ids.Kind
}

// Run walks every entity under repo's kind directories and returns every
// Issue found. It never returns a non-nil error for a bad entity file —
// those become Issues — only for I/O failures walking the tree itself.
func Run(repo *layout.Repo) ([]Issue, error) {
	var issues []Issue
	seenIDs := make(map[string]string) // id -> first file that claimed it

	var entities []parsedEntity

	for _, kind := range []ids.Kind{
		ids.KindDecision, ids.KindIssue, ids.KindIdea, ids.KindReport,
		ids.KindSource, ids.KindCitation, ids.KindAgent, ids.KindSession,
	} {
		dir := filepath.Join(repo.Root, layout.IndexDirName, ids.KindDir(kind))
		files, err := listMarkdown(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("validate: walking %s: %w", dir, err)
		}
		for _, path := range files {
			rel, _ := repo.RelPath(path)
			raw, err := os.ReadFile(path)
			if err != nil {
				issues = append(issues, Issue{Path: rel, Message: fmt.Sprintf("cannot read file: %v", err)})
				continue
			}
			doc, err := markdown.Parse(path, string(raw))
			if err != nil {
				issues = append(issues, Issue{
					Path:       rel,
					Message:    fmt.Sprintf("malformed frontmatter: %v", err),
					Suggestion: "fix the --- delimited YAML block at the top of the file",
				})
				continue
			}
			ent, err := markdown.ToEntity(doc)
			if err != nil {
				issues = append(issues, Issue{Path: rel, Message: err.Error()})
				continue
			}
			entities = append(entities, parsedEntity{path: path, rel: rel, ent: ent, kind: kind})
		}
	}

	byID := make(map[string]parsedEntity, len(entities))
	for _, p := range entities {
		byID[p.ent.ID] = p
	}

	for _, p := range entities {
		issues = append(issues, checkEntity(p.path, p.rel, p.ent, p.kind, byID, seenIDs)...)
	}

	return issues, nil
}

func checkEntity(path, rel string, ent *markdown.Entity, dirKind ids.Kind, byID map[string]parsedEntity, seenIDs map[string]string) []Issue {
	var out []Issue

	if !ids.Valid(ent.ID) {
		out = append(out, Issue{
			Path:       rel,
			Message:    fmt.Sprintf("id %q does not match <prefix>-<hex> format", ent.ID),
			Suggestion: "ids must be a 2-4 char kind prefix, a hyphen, and 6-12 lowercase hex characters",
		})
	} else {
		stem := strings.TrimSuffix(filepath.Base(path), ".md")
		if stem != ent.ID {
			out = append(out, Issue{
				Path:       rel,
				Message:    fmt.Sprintf("id %q does not match filename stem %q", ent.ID, stem),
				Suggestion: fmt.Sprintf("rename the file to %s.md or fix the id field", ent.ID),
			})
		}
		if prevPath, seen := seenIDs[ent.ID]; seen && prevPath != rel {
			out = append(out, Issue{
				Path:       rel,
				Message:    fmt.Sprintf("id %q also claimed by %s", ent.ID, prevPath),
				Suggestion: "ids must be unique across the repository",
			})
		} else {
			seenIDs[ent.ID] = rel
		}

		if prefixKind, _, ok := ids.PrefixKind(ids.Prefix(ent.ID)); ok {
			if prefixKind != dirKind {
				out = append(out, Issue{
					Path:       rel,
					Message:    fmt.Sprintf("id prefix implies kind %q but file lives under %q", ids.KindDir(prefixKind), ids.KindDir(dirKind)),
					Suggestion: fmt.Sprintf("move the file to the %s directory or correct the id prefix", ids.KindDir(prefixKind)),
				})
			}
			if ent.Kind != "" && ent.Kind != string(prefixKind) {
				out = append(out, Issue{
					Path:       rel,
					Message:    fmt.Sprintf("frontmatter type %q does not match id-implied kind %q", ent.Kind, prefixKind),
				})
			}
		}
	}

	if strings.TrimSpace(ent.Title) == "" {
		out = append(out, Issue{Path: rel, Message: "title is empty", Suggestion: "set a non-empty title"})
	}

	if ent.CreatedAt.IsZero() {
		out = append(out, Issue{Path: rel, Message: "created_at missing or does not parse as RFC3339"})
	}
	if ent.UpdatedAt.IsZero() {
		out = append(out, Issue{Path: rel, Message: "updated_at missing or does not parse as RFC3339"})
	} else if !ent.CreatedAt.IsZero() && ent.UpdatedAt.Before(ent.CreatedAt) {
		out = append(out, Issue{
			Path:       rel,
			Message:    fmt.Sprintf("updated_at (%s) is before created_at (%s)", ent.UpdatedAt.Format(time.RFC3339), ent.CreatedAt.Format(time.RFC3339)),
			Suggestion: "updated_at must be greater than or equal to created_at",
		})
	}

	for _, tag := range ent.Tags {
		if strings.TrimSpace(tag) == "" {
			out = append(out, Issue{Path: rel, Message: "tags contains an empty or whitespace-only entry after normalization"})
			break
		}
	}

	for relName, targets := range ent.Relationships {
		label := titleCaser.String(relName)
		for _, t := range targets {
			if _, ok := byID[t]; !ok {
				out = append(out, Issue{
					Path:       rel,
					Message:    fmt.Sprintf("relationship %q targets %q, which does not exist", label, t),
					Suggestion: "dangling relationship targets are permitted at write time but should be fixed or removed",
				})
			}
		}
	}

	return out
}

func listMarkdown(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}
