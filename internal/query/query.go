// Package query implements ixchel's traversal and search operations
// (spec.md §4.8) over the store: semantic search, directed neighbor
// lookup, the supersedes-chain walk, related-entity lookup, bounded BFS
// for ancestors/descendants, and a repo-wide tag scan. Grounded on the
// teacher's internal/queries package (graph.go's recursive-traversal
// shape, search.go's hit ranking) — reimplemented over internal/store's
// bbolt+HNSW primitives instead of SQL, since that is the rewrite target
// spec.md §4.5 describes.
package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/ixchel-dev/ixchel/internal/embedding"
	"github.com/ixchel-dev/ixchel/internal/ids"
	"github.com/ixchel-dev/ixchel/internal/store"
)

// Hit is one semantic search result.
type Hit struct {
	Score float64
	ID    string
	Kind  string
	Title string
}

// Related is one related-entity result.
type Related struct {
	ID       string
	Title    string
	Relation string
}

// Visited is one BFS-visited node, for Ancestors/Descendants.
type Visited struct {
	ID    string
	Title string
	Depth int
}

// RelationTypes are the fixed relation set spec.md §4.8's Related scans,
// uppercased to match edge labels.
var RelationTypes = []string{"SUPERSEDES", "AMENDS", "DEPENDS_ON", "RELATED_TO"}

// Engine runs queries against a Store using an Embedder for query-time
// text embedding.
type Engine struct {
	store    *store.Store
	embedder embedding.Embedder
}

// New builds a query Engine.
func New(s *store.Store, e embedding.Embedder) *Engine {
	return &Engine{store: s, embedder: e}
}

// Search embeds queryText with the engine's embedder and returns the top
// limit hits by 1/(1+distance) score, resolved through the vector_id
// secondary index, stable by id on ties, per spec.md §4.8.
func (e *Engine) Search(ctx context.Context, queryText string, limit int) ([]Hit, error) {
	vecs, err := e.embedder.EmbedBatch(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("query: embedding query text: %w", err)
	}

	var hits []Hit
	err = e.store.View(func(tx *store.Txn) error {
		results := tx.VectorSearch(vecs[0], limit)
		for _, r := range results {
			nodeID, ok, err := tx.LookupSecondary("vector_id", fmt.Sprint(r.ID))
			if err != nil {
				return err
			}
			if !ok {
				continue // vector_id index entry missing: node was deleted, drop the result
			}
			n, ok, err := tx.GetNode(nodeID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			hits = append(hits, Hit{
				Score: 1 / (1 + float64(r.Distance)),
				ID:    n.Properties["id"],
				Kind:  n.Properties["kind"],
				Title: n.Properties["title"],
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Outgoing resolves id to a node and returns the entity ids reachable via
// an edge labeled rel, deduplicated and sorted.
func (e *Engine) Outgoing(id, rel string) ([]string, error) {
	return e.neighbors(id, rel, (*store.Txn).OutgoingNeighbors)
}

// Incoming resolves id to a node and returns the entity ids with an edge
// labeled rel pointing at it, deduplicated and sorted.
func (e *Engine) Incoming(id, rel string) ([]string, error) {
	return e.neighbors(id, rel, (*store.Txn).IncomingNeighbors)
}

func (e *Engine) neighbors(id, rel string, fn func(*store.Txn, uint64, string) ([]uint64, error)) ([]string, error) {
	var out []string
	err := e.store.View(func(tx *store.Txn) error {
		n, err := tx.RequireID(id)
		if err != nil {
			return err
		}
		ids, err := fn(tx, n.ID, rel)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(ids))
		for _, nodeID := range ids {
			neighbor, ok, err := tx.GetNode(nodeID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			entID := neighbor.Properties["id"]
			if entID == "" || seen[entID] {
				continue
			}
			seen[entID] = true
			out = append(out, entID)
		}
		sort.Strings(out)
		return nil
	})
	return out, err
}

// ChainEntry is one entity in a supersedes chain walk, per spec.md §4.8.
// IsCurrent is set only on the chain's last element, whether the walk
// stopped because there was no successor or because it detected a cycle
// (spec.md §9's state diagram marks "current" on both exits of END).
type ChainEntry struct {
	ID        string
	IsCurrent bool
}

// Chain follows incoming SUPERSEDES edges starting from id, per spec.md
// §4.8's state machine: at each step, among the incoming-SUPERSEDES
// candidates, pick the one with the latest date property; ties break on
// the higher numeric id (the hex suffix compared as an integer, since ids
// encode no lexicographic total order). Stops on no successor or a
// revisit (cycle).
func (e *Engine) Chain(id string) ([]ChainEntry, error) {
	var visitOrder []string
	err := e.store.View(func(tx *store.Txn) error {
		visited := map[string]bool{}
		current, err := tx.RequireID(id)
		if err != nil {
			return err
		}
		visitOrder = append(visitOrder, current.Properties["id"])
		visited[current.Properties["id"]] = true

		for {
			candidates, err := tx.IncomingNeighbors(current.ID, "SUPERSEDES")
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				break
			}

			var next store.Node
			var found bool
			for _, cid := range candidates {
				n, ok, err := tx.GetNode(cid)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if !found || isLaterChainCandidate(next, n) {
					next, found = n, true
				}
			}
			if !found {
				break
			}
			nextID := next.Properties["id"]
			if visited[nextID] {
				break
			}
			visited[nextID] = true
			visitOrder = append(visitOrder, nextID)
			current = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]ChainEntry, len(visitOrder))
	for i, eid := range visitOrder {
		out[i] = ChainEntry{ID: eid, IsCurrent: i == len(visitOrder)-1}
	}
	return out, nil
}

// isLaterChainCandidate reports whether candidate should replace current as
// the chain walk's chosen successor: a later "date" property wins; equal
// (including both empty) dates tie-break on the higher numeric id suffix.
func isLaterChainCandidate(current, candidate store.Node) bool {
	currentDate, candidateDate := current.Properties["date"], candidate.Properties["date"]
	if candidateDate != currentDate {
		return candidateDate > currentDate
	}
	currentNum, _ := ids.NumericSuffix(current.Properties["id"])
	candidateNum, _ := ids.NumericSuffix(candidate.Properties["id"])
	return candidateNum > currentNum
}

// Related collects outgoing and incoming neighbors across RelationTypes.
func (e *Engine) Related(id string) ([]Related, error) {
	var out []Related
	err := e.store.View(func(tx *store.Txn) error {
		n, err := tx.RequireID(id)
		if err != nil {
			return err
		}
		add := func(nodeIDs []uint64, relation string) error {
			for _, nodeID := range nodeIDs {
				neighbor, ok, err := tx.GetNode(nodeID)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				out = append(out, Related{
					ID:       neighbor.Properties["id"],
					Title:    neighbor.Properties["title"],
					Relation: relation,
				})
			}
			return nil
		}
		for _, rel := range RelationTypes {
			outIDs, err := tx.OutgoingNeighbors(n.ID, rel)
			if err != nil {
				return err
			}
			if err := add(outIDs, rel); err != nil {
				return err
			}
			inIDs, err := tx.IncomingNeighbors(n.ID, rel)
			if err != nil {
				return err
			}
			if err := add(inIDs, rel); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Traverse runs a breadth-first walk from id along edge label rel, up to
// maxDepth hops, recording each node once at its first-seen depth, sorted
// by depth ascending. outgoing selects outgoing (true) or incoming (false)
// edges — Ancestors and Descendants are both this walk with outgoing flipped.
func (e *Engine) Traverse(id, rel string, maxDepth int, outgoing bool) ([]Visited, error) {
	var out []Visited
	err := e.store.View(func(tx *store.Txn) error {
		start, err := tx.RequireID(id)
		if err != nil {
			return err
		}
		type frontierEntry struct {
			nodeID uint64
			depth  int
		}
		visited := map[uint64]bool{start.ID: true}
		queue := []frontierEntry{{start.ID, 0}}

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur.depth > 0 {
				n, ok, err := tx.GetNode(cur.nodeID)
				if err != nil {
					return err
				}
				if ok {
					out = append(out, Visited{ID: n.Properties["id"], Title: n.Properties["title"], Depth: cur.depth})
				}
			}
			if cur.depth >= maxDepth {
				continue
			}
			var next []uint64
			if outgoing {
				next, err = tx.OutgoingNeighbors(cur.nodeID, rel)
			} else {
				next, err = tx.IncomingNeighbors(cur.nodeID, rel)
			}
			if err != nil {
				return err
			}
			for _, nid := range next {
				if visited[nid] {
					continue
				}
				visited[nid] = true
				queue = append(queue, frontierEntry{nid, cur.depth + 1})
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Depth < out[j].Depth })
	return out, err
}

// Ancestors walks incoming rel edges up to maxDepth hops.
func (e *Engine) Ancestors(id, rel string, maxDepth int) ([]Visited, error) {
	return e.Traverse(id, rel, maxDepth, false)
}

// Descendants walks outgoing rel edges up to maxDepth hops.
func (e *Engine) Descendants(id, rel string, maxDepth int) ([]Visited, error) {
	return e.Traverse(id, rel, maxDepth, true)
}

// CollectTags scans every node and groups entity ids by tag, optionally
// filtered to a single kind. Not a hot path (spec.md §4.8) — a full scan
// is acceptable.
func (e *Engine) CollectTags(kindFilter string) (map[string][]string, error) {
	out := make(map[string][]string)
	err := e.store.View(func(tx *store.Txn) error {
		var nodeIDs []uint64
		var err error
		if kindFilter != "" {
			nodeIDs, err = tx.ScanSecondaryPrefix("kind", kindFilter+"\x00")
		} else {
			nodeIDs, err = tx.ScanSecondaryPrefix("id", "")
		}
		if err != nil {
			return err
		}
		for _, nodeID := range nodeIDs {
			n, ok, err := tx.GetNode(nodeID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			for _, tag := range decodeTags(n.Properties["tags"]) {
				out[tag] = append(out[tag], n.Properties["id"])
			}
		}
		return nil
	})
	for tag := range out {
		sort.Strings(out[tag])
	}
	return out, err
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
