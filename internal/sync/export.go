package sync

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/ixchel-dev/ixchel/internal/store"
)

// ExportedEntity is one line of an export snapshot: the entity's id, kind
// and stored properties, for a debugging/backup dump that
// doesn't need the graph/vector internals (spec.md §3.2's property set).
type ExportedEntity struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Properties map[string]string `json:"properties"`
}

// Export writes a deterministic JSONL snapshot of every entity currently
// in st to w, one object per line ordered by entity id, matching the
// teacher's internal/export config-driven dump and
// original_source/ix-core/src/repo.rs's read-only listing path. This
// never touches the manifest or vector index — it's a read-only view
// of the store's nodes, not a new source of truth.
func Export(st *store.Store, w *os.File) (int, error) {
	var nodes []store.Node
	err := st.View(func(tx *store.Txn) error {
		var err error
		nodes, err = tx.AllNodes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sync: export: %w", err)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Properties["id"] < nodes[j].Properties["id"]
	})

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	count := 0
	for _, n := range nodes {
		id := n.Properties["id"]
		if id == "" {
			continue // not an entity node (defensive; every ENTITY node carries an id)
		}
		entry := ExportedEntity{
			ID:         id,
			Kind:       n.Properties["kind"],
			Properties: n.Properties,
		}
		if err := enc.Encode(entry); err != nil {
			return count, fmt.Errorf("sync: export: encoding %s: %w", id, err)
		}
		count++
	}
	if err := bw.Flush(); err != nil {
		return count, fmt.Errorf("sync: export: %w", err)
	}
	return count, nil
}
