package markdown

import (
	"regexp"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark-emoji"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// wikiLinkPattern matches "[[dec-abc123]]" style references, ported from
// original_source/helix-map/src/extract.rs's wiki-link scan.
var wikiLinkPattern = regexp.MustCompile(`\[\[([a-z][a-z0-9]{1,3}-[0-9a-f]{6,12})\]\]`)

var bodyLinkParser = goldmark.New(goldmark.WithExtensions(emoji.Emoji))

// BodyLinks extracts id-shaped targets mentioned in an entity's Markdown
// body, via both "[[id]]" wiki-links and standard "[label](id)" Markdown
// links whose destination is id-shaped. These become MENTIONS edges
// (SPEC_FULL.md §3) distinct from frontmatter-declared relationships.
// Wiki-link targets come first in order of appearance, then Markdown-link
// targets in order of appearance; duplicates keep their first position.
func BodyLinks(body string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, m := range wikiLinkPattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}

	src := []byte(body)
	doc := bodyLinkParser.Parser().Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		link, ok := n.(*ast.Link)
		if !ok {
			return ast.WalkContinue, nil
		}
		dest := string(link.Destination)
		if idShape.MatchString(dest) {
			add(dest)
		}
		return ast.WalkContinue, nil
	})

	return out
}
