// Package pack implements ixchel's graph/context packer (spec.md line
// "Given an id, return outgoing rels + titles or 1-hop body pack"): given
// an entity id, assemble either its outgoing relationships (labeled
// references to other entities) or a fuller "1-hop" bundle — the entity's
// own title/body/tags plus every immediately neighboring entity's id,
// title, and relation — as one JSON payload suitable for an IPC response
// or context-window assembly. Grounded on the teacher's
// internal/molecules package (bundling a primary record with a flat list
// of related metadata into one payload) and built with
// github.com/tidwall/sjson/gjson/pretty instead of struct marshaling,
// since this package's whole job is JSON assembly and targeted extraction
// rather than fixed-shape decoding.
package pack

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/ixchel-dev/ixchel/internal/query"
	"github.com/ixchel-dev/ixchel/internal/store"
)

// Packer assembles context packs from a Store.
type Packer struct {
	store *store.Store
}

// New builds a Packer.
func New(s *store.Store) *Packer {
	return &Packer{store: s}
}

type neighborRef struct {
	Relation  string
	Direction string // "out" or "in"
	ID        string
	Title     string
}

// PackRelationships returns the id's outgoing relationships as a compact
// JSON payload: {"id":..., "kind":..., "title":..., "relationships":
// [{"relation":..., "id":..., "title":...}, ...]}, sorted by relation then
// target id for deterministic output.
func (p *Packer) PackRelationships(id string) ([]byte, error) {
	self, refs, err := p.collect(id, false)
	if err != nil {
		return nil, err
	}

	doc := []byte("{}")
	doc, err = sjson.SetBytes(doc, "id", self.Properties["id"])
	if err != nil {
		return nil, err
	}
	doc, err = sjson.SetBytes(doc, "kind", self.Properties["kind"])
	if err != nil {
		return nil, err
	}
	doc, err = sjson.SetBytes(doc, "title", self.Properties["title"])
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		if ref.Direction != "out" {
			continue
		}
		doc, err = sjson.SetBytes(doc, "relationships.-1", map[string]string{
			"relation": ref.Relation,
			"id":       ref.ID,
			"title":    ref.Title,
		})
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// PackOneHop returns the id's full 1-hop bundle: the entity's own title,
// body, and tags, plus every neighbor reachable by one hop in either
// direction across query.RelationTypes, each tagged with its relation and
// direction ("out" or "in").
func (p *Packer) PackOneHop(id string) ([]byte, error) {
	self, refs, err := p.collect(id, true)
	if err != nil {
		return nil, err
	}

	doc := []byte("{}")
	for _, kv := range [][2]string{
		{"id", self.Properties["id"]},
		{"kind", self.Properties["kind"]},
		{"title", self.Properties["title"]},
		{"body", self.Properties["body"]},
	} {
		doc, err = sjson.SetBytes(doc, kv[0], kv[1])
		if err != nil {
			return nil, err
		}
	}
	doc, err = sjson.SetBytes(doc, "tags", decodeTags(self.Properties["tags"]))
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		doc, err = sjson.SetBytes(doc, "neighbors.-1", map[string]string{
			"relation":  ref.Relation,
			"direction": ref.Direction,
			"id":        ref.ID,
			"title":     ref.Title,
		})
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// collect resolves id and gathers its 1-hop neighbors across
// query.RelationTypes, sorted by relation, then direction, then target id.
// includeIncoming also walks incoming edges (needed for PackOneHop but not
// PackRelationships, which spec.md scopes to outgoing rels only).
func (p *Packer) collect(id string, includeIncoming bool) (store.Node, []neighborRef, error) {
	var self store.Node
	var refs []neighborRef
	err := p.store.View(func(tx *store.Txn) error {
		n, err := tx.RequireID(id)
		if err != nil {
			return err
		}
		self = n

		add := func(nodeIDs []uint64, relation, direction string) error {
			for _, nodeID := range nodeIDs {
				neighbor, ok, err := tx.GetNode(nodeID)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				refs = append(refs, neighborRef{
					Relation:  relation,
					Direction: direction,
					ID:        neighbor.Properties["id"],
					Title:     neighbor.Properties["title"],
				})
			}
			return nil
		}

		for _, rel := range query.RelationTypes {
			outIDs, err := tx.OutgoingNeighbors(n.ID, rel)
			if err != nil {
				return err
			}
			if err := add(outIDs, rel, "out"); err != nil {
				return err
			}
			if !includeIncoming {
				continue
			}
			inIDs, err := tx.IncomingNeighbors(n.ID, rel)
			if err != nil {
				return err
			}
			if err := add(inIDs, rel, "in"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Node{}, nil, err
	}

	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Relation != refs[j].Relation {
			return refs[i].Relation < refs[j].Relation
		}
		if refs[i].Direction != refs[j].Direction {
			return refs[i].Direction < refs[j].Direction
		}
		return refs[i].ID < refs[j].ID
	})
	return self, refs, nil
}

// Pretty reformats a pack payload with indentation, for terminal display
// (as opposed to the compact form sent over the IPC wire).
func Pretty(doc []byte) []byte {
	return pretty.Pretty(doc)
}

// TitlesForRelation extracts the titles of every packed relationship or
// neighbor entry matching relation, using a gjson query rather than a full
// unmarshal — useful for a caller that only wants one relation's targets
// out of an already-assembled pack (e.g. rendering a "supersedes" line
// without re-querying the store).
func TitlesForRelation(doc []byte, field, relation string) []string {
	path := fmt.Sprintf(`%s.#(relation==%q)#.title`, field, relation)
	result := gjson.GetBytes(doc, path)
	if !result.Exists() {
		return nil
	}
	var out []string
	for _, v := range result.Array() {
		out = append(out, v.String())
	}
	return out
}

func decodeTags(serialized string) []string {
	if serialized == "" {
		return nil
	}
	var tags []string
	var cur []rune
	for _, r := range serialized {
		if r == ',' {
			tags = append(tags, string(cur))
			cur = nil
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		tags = append(tags, string(cur))
	}
	return tags
}
