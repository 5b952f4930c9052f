package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/ixchel-dev/ixchel/internal/ixerr"
)

// Txn wraps a single bbolt transaction with the graph+vector operations
// spec.md §4.5 and §4.7 need. Read-only txns come from View, read-write
// from Update; bbolt serializes writers so at most one write Txn is ever
// live against a Store.
type Txn struct {
	tx       *bbolt.Tx
	vectors  *vectorIndex
	writable bool
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(*Txn) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&Txn{tx: tx, vectors: s.vectors, writable: false})
	})
}

// Update runs fn in a read-write transaction, committing if fn returns nil
// and rolling back otherwise.
func (s *Store) Update(fn func(*Txn) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&Txn{tx: tx, vectors: s.vectors, writable: true})
	})
}

func (t *Txn) nodes() *bbolt.Bucket     { return t.tx.Bucket(bucketNodes) }
func (t *Txn) edges() *bbolt.Bucket     { return t.tx.Bucket(bucketEdges) }
func (t *Txn) outEdges() *bbolt.Bucket  { return t.tx.Bucket(bucketOutEdges) }
func (t *Txn) inEdges() *bbolt.Bucket   { return t.tx.Bucket(bucketInEdges) }
func (t *Txn) secondary() *bbolt.Bucket { return t.tx.Bucket(bucketSecondary) }
func (t *Txn) manifest() *bbolt.Bucket  { return t.tx.Bucket(bucketManifest) }

// --- nodes -----------------------------------------------------------------

// NextNodeID allocates a fresh node id from the nodes bucket's sequence.
func (t *Txn) NextNodeID() (uint64, error) {
	return t.nodes().NextSequence()
}

// PutNode writes (or overwrites) a node and maintains its "id"/"kind"
// secondary index entries from Properties["id"]/Properties["kind"].
func (t *Txn) PutNode(n Node) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("store: marshal node: %w", err)
	}
	if err := t.nodes().Put(encodeU64(n.ID), b); err != nil {
		return err
	}
	if id, ok := n.Properties["id"]; ok {
		if err := t.PutSecondary("id", id, n.ID); err != nil {
			return err
		}
	}
	if kind, ok := n.Properties["kind"]; ok {
		if err := t.PutSecondary("kind", kind+"\x00"+fmt.Sprint(n.ID), n.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetNode looks up a node by its internal uint64 id.
func (t *Txn) GetNode(id uint64) (Node, bool, error) {
	raw := t.nodes().Get(encodeU64(id))
	if raw == nil {
		return Node{}, false, nil
	}
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return Node{}, false, fmt.Errorf("store: unmarshal node %d: %w", id, err)
	}
	return n, true, nil
}

// DeleteNode removes a node, its secondary index entries, and every edge
// touching it (both directions), matching spec.md §4.7's rewrite-on-change
// cascade.
func (t *Txn) DeleteNode(id uint64) error {
	n, ok, err := t.GetNode(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if entID, ok := n.Properties["id"]; ok {
		if err := t.DeleteSecondary("id", entID); err != nil {
			return err
		}
	}
	if kind, ok := n.Properties["kind"]; ok {
		if err := t.DeleteSecondary("kind", kind+"\x00"+fmt.Sprint(id)); err != nil {
			return err
		}
	}

	if err := t.deleteAdjacency(t.outEdges(), id, true); err != nil {
		return err
	}
	if err := t.deleteAdjacency(t.inEdges(), id, false); err != nil {
		return err
	}

	return t.nodes().Delete(encodeU64(id))
}

// ClearOutgoingEdges drops every edge originating at nodeID (and the
// matching entries on the far side's incoming adjacency) without touching
// the node record, its secondary indices, or any edge incoming to it. Sync
// uses this to re-home a node onto new content (plain update, or a rename
// recovery reusing a stale node_id) so the edge-rewiring pass can write the
// entity's current relationships without leaving duplicates behind, while
// edges other entities hold incoming to this node_id survive untouched.
func (t *Txn) ClearOutgoingEdges(nodeID uint64) error {
	return t.deleteAdjacency(t.outEdges(), nodeID, true)
}

// deleteAdjacency drops every nested bucket keyed by nodeID in adj and, for
// each edge inside it, removes the edge record and its entry in the
// opposite adjacency bucket.
func (t *Txn) deleteAdjacency(adj *bbolt.Bucket, nodeID uint64, outgoing bool) error {
	c := adj.Cursor()
	prefix := encodeU64(nodeID)
	var nestedNames [][]byte
	for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Next() {
		if v != nil {
			continue // not a nested bucket, shouldn't happen
		}
		nestedNames = append(nestedNames, append([]byte(nil), k...))
	}
	opposite := t.inEdges()
	if !outgoing {
		opposite = t.outEdges()
	}
	for _, name := range nestedNames {
		nb := adj.Bucket(name)
		if nb != nil {
			_ = nb.ForEach(func(ek, ev []byte) error {
				edgeID := decodeU64(ek)
				other := decodeU64(ev)
				if err := t.edges().Delete(encodeU64(edgeID)); err != nil {
					return err
				}
				return removeFromOpposite(opposite, other, edgeID)
			})
		}
		if err := adj.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
	}
	return nil
}

// removeFromOpposite scans every adjacency bucket under otherNode looking
// for edgeID and deletes it. Adjacency nested-bucket names are keyed by
// label hash, which we don't know here, so this walks all of them.
func removeFromOpposite(b *bbolt.Bucket, otherNode uint64, edgeID uint64) error {
	c := b.Cursor()
	prefix := encodeU64(otherNode)
	for k, v := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, v = c.Next() {
		if v != nil {
			continue
		}
		nb := b.Bucket(k)
		if nb == nil {
			continue
		}
		if err := nb.Delete(encodeU64(edgeID)); err != nil {
			return err
		}
	}
	return nil
}

// --- edges -------------------------------------------------------------

// NextEdgeID allocates a fresh edge id from the edges bucket's sequence.
func (t *Txn) NextEdgeID() (uint64, error) {
	return t.edges().NextSequence()
}

// PutEdge writes a directed labeled edge and its two adjacency-index
// entries (spec.md §4.5's out_edges_db/in_edges_db).
func (t *Txn) PutEdge(e Edge) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal edge: %w", err)
	}
	if err := t.edges().Put(encodeU64(e.ID), b); err != nil {
		return err
	}

	outKey := adjacencyKey(e.From, e.Label)
	outBucket, err := t.outEdges().CreateBucketIfNotExists(outKey)
	if err != nil {
		return err
	}
	if err := outBucket.Put(encodeU64(e.ID), encodeU64(e.To)); err != nil {
		return err
	}

	inKey := adjacencyKey(e.To, e.Label)
	inBucket, err := t.inEdges().CreateBucketIfNotExists(inKey)
	if err != nil {
		return err
	}
	return inBucket.Put(encodeU64(e.ID), encodeU64(e.From))
}

// OutgoingNeighbors returns the node ids reachable from nodeID via an edge
// labeled label.
func (t *Txn) OutgoingNeighbors(nodeID uint64, label string) ([]uint64, error) {
	return adjacencyNeighbors(t.outEdges(), nodeID, label)
}

// IncomingNeighbors returns the node ids with an edge labeled label
// pointing at nodeID.
func (t *Txn) IncomingNeighbors(nodeID uint64, label string) ([]uint64, error) {
	return adjacencyNeighbors(t.inEdges(), nodeID, label)
}

func adjacencyNeighbors(adj *bbolt.Bucket, nodeID uint64, label string) ([]uint64, error) {
	nb := adj.Bucket(adjacencyKey(nodeID, label))
	if nb == nil {
		return nil, nil
	}
	var out []uint64
	err := nb.ForEach(func(_, v []byte) error {
		out = append(out, decodeU64(v))
		return nil
	})
	return out, err
}

// --- secondary indices ---------------------------------------------------

// PutSecondary writes key->nodeID into the named secondary index.
func (t *Txn) PutSecondary(index, key string, nodeID uint64) error {
	b := t.secondary().Bucket([]byte(index))
	if b == nil {
		return fmt.Errorf("store: unknown secondary index %q", index)
	}
	return b.Put([]byte(key), encodeU64(nodeID))
}

// DeleteSecondary removes an entry from the named secondary index.
func (t *Txn) DeleteSecondary(index, key string) error {
	b := t.secondary().Bucket([]byte(index))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

// LookupSecondary resolves key to a node id via the named index.
func (t *Txn) LookupSecondary(index, key string) (uint64, bool, error) {
	b := t.secondary().Bucket([]byte(index))
	if b == nil {
		return 0, false, fmt.Errorf("store: unknown secondary index %q", index)
	}
	v := b.Get([]byte(key))
	if v == nil {
		return 0, false, nil
	}
	return decodeU64(v), true, nil
}

// ScanSecondaryPrefix walks every entry in index whose key starts with
// prefix, used for the "kind" index's kind\x00id composite keys.
func (t *Txn) ScanSecondaryPrefix(index, prefix string) ([]uint64, error) {
	b := t.secondary().Bucket([]byte(index))
	if b == nil {
		return nil, fmt.Errorf("store: unknown secondary index %q", index)
	}
	var out []uint64
	c := b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
		out = append(out, decodeU64(v))
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- vectors ---------------------------------------------------------------

// NextVectorID allocates a fresh vector id from the vectors bucket's
// sequence.
func (t *Txn) NextVectorID() (uint64, error) {
	return t.vectorsBucket().NextSequence()
}

func (t *Txn) vectorsBucket() *bbolt.Bucket { return t.tx.Bucket(bucketVectors) }

// VectorInsert persists vec under id and adds it to the live HNSW index.
// Rolling back the surrounding transaction does not undo the in-memory
// index update; callers that abort a Txn by returning an error must not
// have already called VectorInsert for entries they intend to discard.
func (t *Txn) VectorInsert(id uint64, vec []float32) error {
	if err := t.vectorsBucket().Put(encodeU64(id), encodeVector(vec)); err != nil {
		return err
	}
	t.vectors.insert(id, vec)
	return nil
}

// VectorDelete removes a vector from both the bucket and the live index.
func (t *Txn) VectorDelete(id uint64) error {
	if err := t.vectorsBucket().Delete(encodeU64(id)); err != nil {
		return err
	}
	t.vectors.delete(id)
	return nil
}

// VectorSearch runs a k-NN query against the live HNSW index.
func (t *Txn) VectorSearch(query []float32, k int) []searchResult {
	return t.vectors.search(query, k)
}

// --- manifest ----------------------------------------------------------

// PutManifestEntry writes a manifest record keyed by entity id.
func (t *Txn) PutManifestEntry(e ManifestEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal manifest entry: %w", err)
	}
	return t.manifest().Put([]byte(e.EntityID), b)
}

// GetManifestEntry looks up a manifest record by entity id.
func (t *Txn) GetManifestEntry(entityID string) (ManifestEntry, bool, error) {
	raw := t.manifest().Get([]byte(entityID))
	if raw == nil {
		return ManifestEntry{}, false, nil
	}
	var e ManifestEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return ManifestEntry{}, false, fmt.Errorf("store: unmarshal manifest entry %s: %w", entityID, err)
	}
	return e, true, nil
}

// DeleteManifestEntry removes a manifest record.
func (t *Txn) DeleteManifestEntry(entityID string) error {
	return t.manifest().Delete([]byte(entityID))
}

// AllManifestEntries returns every manifest record, used by the delta
// engine's deletion-detection pass (spec.md §4.7 step 5) and rename
// recovery (step 4).
func (t *Txn) AllManifestEntries() ([]ManifestEntry, error) {
	var out []ManifestEntry
	err := t.manifest().ForEach(func(_, v []byte) error {
		var e ManifestEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// AllNodes returns every node in the store, ordered by internal node id,
// for a full snapshot dump (e.g. the export command).
func (t *Txn) AllNodes() ([]Node, error) {
	var out []Node
	err := t.nodes().ForEach(func(_, v []byte) error {
		var n Node
		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}
		out = append(out, n)
		return nil
	})
	return out, err
}

// RequireID resolves an entity id to its node, returning ixerr.ErrNotFound
// if absent.
func (t *Txn) RequireID(entityID string) (Node, error) {
	nodeID, ok, err := t.LookupSecondary("id", entityID)
	if err != nil {
		return Node{}, err
	}
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ixerr.ErrNotFound, entityID)
	}
	n, ok, err := t.GetNode(nodeID)
	if err != nil {
		return Node{}, err
	}
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ixerr.ErrNotFound, entityID)
	}
	return n, nil
}
