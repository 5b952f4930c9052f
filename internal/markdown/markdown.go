// Package markdown implements the split between a document's "---"
// delimited YAML frontmatter and its Markdown body (spec.md §4.1), with
// order-preserving round-trips and relationship/body-link extraction.
package markdown

import (
	"errors"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// ErrUnclosedFrontmatter is returned when an opening "---" delimiter has no
// matching closing delimiter.
var ErrUnclosedFrontmatter = errors.New("markdown: unclosed frontmatter block")

// ErrFrontmatterNotMapping is returned when the frontmatter YAML parses to
// something other than a top-level mapping.
var ErrFrontmatterNotMapping = errors.New("markdown: frontmatter is not a mapping")

// Frontmatter is an order-preserving string-keyed map of decoded YAML
// values (scalars as decoded Go values, sequences as []any, nested
// mappings as map[string]any).
type Frontmatter = *orderedmap.OrderedMap[string, any]

// Document is the result of Parse: a frontmatter map plus the body text
// that followed it.
type Document struct {
	Frontmatter Frontmatter
	Body        string
}

const delimiter = "---"

// Parse splits text into frontmatter and body per spec.md §4.1. If text
// does not begin with a line exactly "---", the frontmatter is empty and
// body is the entire text.
func Parse(path, text string) (*Document, error) {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != delimiter {
		return &Document{Frontmatter: orderedmap.New[string, any](), Body: text}, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r") == delimiter {
			closeIdx = i
			break
		}
	}
	if closeIdx < 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrUnclosedFrontmatter)
	}

	yamlBlock := strings.Join(lines[1:closeIdx], "\n")
	body := strings.Join(lines[closeIdx+1:], "\n")
	body = strings.TrimPrefix(body, "\n")

	fm, err := decodeOrdered(yamlBlock)
	if err != nil {
		if errors.Is(err, ErrFrontmatterNotMapping) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, fmt.Errorf("%s: frontmatter: %w", path, err)
	}

	return &Document{Frontmatter: fm, Body: body}, nil
}

// decodeOrdered decodes a YAML mapping document while preserving key
// insertion order, using the raw yaml.Node tree (yaml.v3 unmarshals mappings
// into an unordered Go map, so we walk the node tree ourselves).
func decodeOrdered(yamlText string) (Frontmatter, error) {
	om := orderedmap.New[string, any]()
	if strings.TrimSpace(yamlText) == "" {
		return om, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(yamlText), &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return om, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, ErrFrontmatterNotMapping
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		val, err := decodeNode(root.Content[i+1])
		if err != nil {
			return nil, err
		}
		om.Set(key, val)
	}
	return om, nil
}

// decodeNode converts a scalar, sequence, or mapping yaml.Node into a plain
// Go value: string, []any, or map[string]any respectively.
func decodeNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := decodeNode(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		out := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := decodeNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[n.Content[i].Value] = v
		}
		return out, nil
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Render emits "---\n<yaml>\n---\n\n<body>" with frontmatter in its
// original insertion order and sequences in block style (spec.md §4.1).
func Render(doc *Document) (string, error) {
	var node yaml.Node
	node.Kind = yaml.MappingNode
	node.Tag = "!!map"

	for pair := doc.Frontmatter.Oldest(); pair != nil; pair = pair.Next() {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: pair.Key}
		valNode, err := encodeValue(pair.Value)
		if err != nil {
			return "", err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}

	yamlBytes, err := yaml.Marshal(&node)
	if err != nil {
		return "", err
	}
	yamlText := strings.TrimRight(string(yamlBytes), "\n")

	var b strings.Builder
	b.WriteString(delimiter)
	b.WriteString("\n")
	if yamlText != "" {
		b.WriteString(yamlText)
		b.WriteString("\n")
	}
	b.WriteString(delimiter)
	b.WriteString("\n\n")
	b.WriteString(doc.Body)
	return b.String(), nil
}

// encodeValue converts a decoded Go value back into a yaml.Node, always
// using block (non-flow) style for sequences per spec.md §4.1.
func encodeValue(v any) (*yaml.Node, error) {
	switch val := v.(type) {
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Style: 0}
		for _, item := range val {
			itemNode, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, itemNode)
		}
		return n, nil
	case map[string]any:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for k, item := range val {
			itemNode, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}, itemNode)
		}
		return n, nil
	default:
		var n yaml.Node
		if err := n.Encode(val); err != nil {
			return nil, err
		}
		return &n, nil
	}
}

// StringValue coerces a decoded frontmatter value to a single string. A
// string is returned as is and nil gives ok false; any other value,
// sequences included, is formatted with %v and ok is true.
func StringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case nil:
		return "", false
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// StringSlice coerces a decoded frontmatter value (scalar or sequence) into
// a []string, matching the "<id> | [<id>, ...]" shape spec.md §6.2 allows
// for tags and relationship values.
func StringSlice(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := StringValue(item); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
