package markdown

import (
	"errors"
	"strings"
	"testing"
)

const sampleDoc = `---
id: dec-abc123
type: decision
title: Use bbolt for storage
status: accepted
created_at: 2024-01-01T00:00:00Z
updated_at: 2024-01-02T00:00:00Z
tags: [storage, infra]
supersedes: dec-000001
implements: [iss-111111, iss-222222]
---

We decided to use bbolt. See [[dec-000001]] and [prior art](iss-333333).
`

func TestParseRoundTrip(t *testing.T) {
	doc, err := Parse("dec-abc123.md", sampleDoc)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := doc.Frontmatter.Get("id"); v != "dec-abc123" {
		t.Fatalf("id = %v", v)
	}
	rendered, err := Render(doc)
	if err != nil {
		t.Fatal(err)
	}
	doc2, err := Parse("dec-abc123.md", rendered)
	if err != nil {
		t.Fatal(err)
	}

	var keys1, keys2 []string
	for p := doc.Frontmatter.Oldest(); p != nil; p = p.Next() {
		keys1 = append(keys1, p.Key)
	}
	for p := doc2.Frontmatter.Oldest(); p != nil; p = p.Next() {
		keys2 = append(keys2, p.Key)
	}
	if strings.Join(keys1, ",") != strings.Join(keys2, ",") {
		t.Fatalf("key order not preserved: %v != %v", keys1, keys2)
	}
	if strings.TrimSpace(doc.Body) != strings.TrimSpace(doc2.Body) {
		t.Fatalf("body mismatch:\n%q\nvs\n%q", doc.Body, doc2.Body)
	}
}

func TestParseNoFrontmatter(t *testing.T) {
	doc, err := Parse("x.md", "just a body\nwith lines\n")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Frontmatter.Len() != 0 {
		t.Fatalf("expected empty frontmatter, got %d keys", doc.Frontmatter.Len())
	}
	if doc.Body != "just a body\nwith lines\n" {
		t.Fatalf("body = %q", doc.Body)
	}
}

func TestParseUnclosedFrontmatter(t *testing.T) {
	_, err := Parse("x.md", "---\nid: dec-abc123\nbody without closer")
	if !errors.Is(err, ErrUnclosedFrontmatter) {
		t.Fatalf("expected ErrUnclosedFrontmatter, got %v", err)
	}
}

func TestParseFrontmatterNotMapping(t *testing.T) {
	_, err := Parse("x.md", "---\n- a\n- b\n---\nbody\n")
	if !errors.Is(err, ErrFrontmatterNotMapping) {
		t.Fatalf("expected ErrFrontmatterNotMapping, got %v", err)
	}
}

func TestToEntityRelationships(t *testing.T) {
	doc, err := Parse("dec-abc123.md", sampleDoc)
	if err != nil {
		t.Fatal(err)
	}
	e, err := ToEntity(doc)
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "dec-abc123" || e.Kind != "decision" {
		t.Fatalf("unexpected entity: %+v", e)
	}
	if got := e.Relationships["supersedes"]; len(got) != 1 || got[0] != "dec-000001" {
		t.Fatalf("supersedes = %v", got)
	}
	if got := e.Relationships["implements"]; len(got) != 2 {
		t.Fatalf("implements = %v", got)
	}
	if len(e.Tags) != 2 {
		t.Fatalf("tags = %v", e.Tags)
	}
}

func TestBodyLinks(t *testing.T) {
	links := BodyLinks("See [[dec-000001]] and [prior art](iss-333333) and [not an id](https://example.com).")
	if len(links) != 2 {
		t.Fatalf("links = %v", links)
	}
	if links[0] != "dec-000001" || links[1] != "iss-333333" {
		t.Fatalf("links = %v", links)
	}
}

func TestNormalizeTagsDedup(t *testing.T) {
	got := NormalizeTags([]string{" a ", "a", "", "  ", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("NormalizeTags = %v", got)
	}
}

func TestNormalizeTagsCasefold(t *testing.T) {
	got := NormalizeTags([]string{"Foo", "foo", "FOO", "Bar"})
	if len(got) != 2 || got[0] != "Foo" || got[1] != "Bar" {
		t.Fatalf("NormalizeTags = %v, want first-seen casing [Foo Bar]", got)
	}
}

func TestToEntityDate(t *testing.T) {
	doc, err := Parse("dec-abc123.md", strings.Replace(sampleDoc, "status: accepted\n", "status: accepted\ndate: 2024-03-01\n", 1))
	if err != nil {
		t.Fatal(err)
	}
	e, err := ToEntity(doc)
	if err != nil {
		t.Fatal(err)
	}
	if e.Date != "2024-03-01" {
		t.Fatalf("Date = %q, want 2024-03-01", e.Date)
	}
}

func TestToEntityDateRejectsList(t *testing.T) {
	doc, err := Parse("dec-abc123.md", strings.Replace(sampleDoc, "status: accepted\n", "status: accepted\ndate: [2024-03-01, 2024-03-02]\n", 1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ToEntity(doc); err == nil {
		t.Fatal("expected error for list-valued date")
	}
}
