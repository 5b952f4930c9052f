// Package sync implements ixchel's sync orchestrator (spec.md §4.7): one
// job does walk → parse → delta-classify → batch-embed → upsert nodes →
// rewire edges → manifest update → commit. Grounded on the teacher's
// cmd/bd/sync.go (the phased walk-then-commit shape: pull/merge/export as
// discrete numbered steps before a single report) and internal/export's
// config-driven export pass; reimplemented against internal/store instead
// of a JSONL/git-branch sync target, which is the rewrite this module's
// domain calls for.
package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"github.com/ixchel-dev/ixchel/internal/embedding"
	"github.com/ixchel-dev/ixchel/internal/ids"
	"github.com/ixchel-dev/ixchel/internal/layout"
	"github.com/ixchel-dev/ixchel/internal/manifest"
	"github.com/ixchel-dev/ixchel/internal/markdown"
	"github.com/ixchel-dev/ixchel/internal/store"
)

// Stats reports what a sync pass did, matching spec.md §4.7 step 8's
// SyncStats shape.
type Stats struct {
	Scanned    int
	Added      int
	Modified   int
	Reembedded int
	Deleted    int
	Renamed    int
	Unchanged  int
	Duration   time.Duration
	Warnings   []string // malformed-file warnings; the file is skipped, not fatal (spec.md §7)
}

// Orchestrator runs sync jobs against one store.
type Orchestrator struct {
	Store          *store.Store
	Embedder       embedding.Embedder
	IndexerVersion string
	BatchSize      int
}

// pendingEntity is one file's parsed, classified state, carried from the
// scan phase through to the commit phase.
type pendingEntity struct {
	entity      *markdown.Entity
	obs         manifest.Observation
	decision    manifest.Decision
	prior       store.ManifestEntry
	priorExists bool
	embedIndex  int // index into the batch-embedded text slice, -1 if Skip
}

// Run executes one sync pass over repo, per spec.md §4.7. When force is
// true, the store is wiped first and every file is treated as Insert.
func (o *Orchestrator) Run(ctx context.Context, repo *layout.Repo, force bool) (Stats, error) {
	start := time.Now()
	stats := Stats{}

	if force {
		if err := o.Store.Wipe(); err != nil {
			return stats, fmt.Errorf("sync: force wipe: %w", err)
		}
	}

	paths, err := walkKindDirs(repo)
	if err != nil {
		return stats, fmt.Errorf("sync: walking entity directories: %w", err)
	}
	stats.Scanned = len(paths)

	pending, texts, warnings, err := o.scanAndClassify(ctx, repo, paths, force)
	if err != nil {
		return stats, err
	}
	stats.Warnings = warnings

	var vectors [][]float32
	if len(texts) > 0 {
		vectors, err = o.embedBatches(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("sync: embedding: %w", err)
		}
	}

	touchedIDs := make(map[string]bool, len(pending))
	for _, p := range pending {
		touchedIDs[p.entity.ID] = true
	}

	err = o.Store.Update(func(tx *store.Txn) error {
		nodeByEntity := make(map[string]uint64, len(pending))

		// Look for renames before writing any node, so a renamed entity's
		// Insert can reuse its stale node_id/vector_id instead of
		// allocating fresh ones (spec.md §4.6 step 4 / §4.7 step 4;
		// Testable Property 5: rename recovery preserves node_id,
		// vector_id, and every edge incoming to that node).
		allEntries, err := tx.AllManifestEntries()
		if err != nil {
			return err
		}
		var stale []store.ManifestEntry
		for _, e := range allEntries {
			if !touchedIDs[e.EntityID] {
				stale = append(stale, e)
			}
		}
		var unmatchedNew []manifest.Observation
		for _, p := range pending {
			if p.decision == manifest.Insert {
				unmatchedNew = append(unmatchedNew, p.obs)
			}
		}
		renameByNewID := make(map[string]store.ManifestEntry)
		renamedStaleIDs := make(map[string]bool)
		if len(stale) > 0 && len(unmatchedNew) > 0 {
			for _, r := range manifest.DetectRenames(stale, unmatchedNew) {
				renameByNewID[r.New.EntityID] = r.Stale
				renamedStaleIDs[r.Stale.EntityID] = true
			}
		}

		for _, p := range pending {
			switch p.decision {
			case manifest.Skip:
				stats.Unchanged++
				if p.priorExists {
					nodeByEntity[p.entity.ID] = p.prior.NodeID
				}
				continue
			case manifest.Insert:
				if _, ok := renameByNewID[p.entity.ID]; ok {
					stats.Renamed++
				} else {
					stats.Added++
				}
			case manifest.Update:
				stats.Modified++
			case manifest.Reembed:
				stats.Reembedded++
			}

			// A node already exists under this id (ordinary update, or a
			// rename recovery reusing the stale entry's id) whenever
			// p.priorExists or a rename match was found; both cases reuse
			// the existing node_id/vector_id in place instead of
			// reallocating, so edges incoming to that node from untouched
			// entities stay valid.
			var nodeID, vectorID uint64
			var err error
			reused := false
			if p.priorExists {
				nodeID, vectorID = p.prior.NodeID, p.prior.VectorID
				reused = true
			} else if staleMatch, ok := renameByNewID[p.entity.ID]; ok {
				nodeID, vectorID = staleMatch.NodeID, staleMatch.VectorID
				reused = true
				if err := tx.DeleteManifestEntry(staleMatch.EntityID); err != nil {
					return err
				}
				// PutNode below only ever adds secondary entries for the
				// node's new id/kind; the stale entity id (and its kind
				// index entry, if the kind also changed) must be dropped
				// explicitly or they'd keep resolving to this reused node.
				if old, ok, err := tx.GetNode(nodeID); err != nil {
					return err
				} else if ok {
					if oldID := old.Properties["id"]; oldID != "" {
						if err := tx.DeleteSecondary("id", oldID); err != nil {
							return err
						}
					}
					if oldKind := old.Properties["kind"]; oldKind != "" {
						if err := tx.DeleteSecondary("kind", oldKind+"\x00"+fmt.Sprint(nodeID)); err != nil {
							return err
						}
					}
				}
			}

			if reused {
				if err := tx.ClearOutgoingEdges(nodeID); err != nil {
					return err
				}
				if err := tx.VectorDelete(vectorID); err != nil {
					return err
				}
			} else {
				nodeID, err = tx.NextNodeID()
				if err != nil {
					return err
				}
				vectorID, err = tx.NextVectorID()
				if err != nil {
					return err
				}
			}

			if err := tx.VectorInsert(vectorID, vectors[p.embedIndex]); err != nil {
				return err
			}

			if err := tx.PutNode(store.Node{
				ID:         nodeID,
				Label:      "ENTITY",
				Version:    versionFor(p),
				Properties: nodeProperties(p.entity, p.obs, nodeID, vectorID),
			}); err != nil {
				return err
			}
			if err := tx.PutSecondary("vector_id", fmt.Sprint(vectorID), nodeID); err != nil {
				return err
			}
			if err := tx.PutManifestEntry(manifest.ToEntry(p.obs, nodeID, vectorID)); err != nil {
				return err
			}
			nodeByEntity[p.entity.ID] = nodeID
		}

		// Rewire edges only after every node write lands, so relationship
		// resolution via the id index sees the full new node set
		// (spec.md §5's ordering guarantee). A reused node_id had its
		// outgoing edges cleared above, so this never leaves duplicates
		// behind; its incoming edges were never touched.
		for _, p := range pending {
			if p.decision == manifest.Skip {
				continue
			}
			nodeID := nodeByEntity[p.entity.ID]
			for relName, targets := range p.entity.Relationships {
				label := strings.ToUpper(relName)
				for _, targetID := range targets {
					targetNodeID, ok, err := tx.LookupSecondary("id", targetID)
					if err != nil {
						return err
					}
					if !ok {
						continue // unresolved target: validator surfaces it separately
					}
					edgeID, err := tx.NextEdgeID()
					if err != nil {
						return err
					}
					if err := tx.PutEdge(store.Edge{ID: edgeID, Label: label, From: nodeID, To: targetNodeID}); err != nil {
						return err
					}
				}
			}
			// Body wiki-/markdown-links become MENTIONS edges, separate
			// from frontmatter relationships (SPEC_FULL.md §3).
			for _, targetID := range markdown.BodyLinks(p.entity.Body) {
				targetNodeID, ok, err := tx.LookupSecondary("id", targetID)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				edgeID, err := tx.NextEdgeID()
				if err != nil {
					return err
				}
				if err := tx.PutEdge(store.Edge{ID: edgeID, Label: "MENTIONS", From: nodeID, To: targetNodeID}); err != nil {
					return err
				}
			}
		}

		// Delete whatever manifest entries are still stale: ones rename
		// recovery already claimed were handled above (their node/vector
		// were reused, not deleted); everything else is a genuine removal.
		for _, e := range stale {
			if renamedStaleIDs[e.EntityID] {
				continue
			}
			stats.Deleted++
			if err := tx.DeleteNode(e.NodeID); err != nil {
				return err
			}
			if err := tx.VectorDelete(e.VectorID); err != nil {
				return err
			}
			if err := tx.DeleteManifestEntry(e.EntityID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("sync: commit: %w", err)
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

// scanAndClassify parses every file with bounded parallelism (grounded on
// the teacher's use of sourcegraph/conc for batched work) and classifies
// each one against the current manifest state, read in its own view txn.
func (o *Orchestrator) scanAndClassify(ctx context.Context, repo *layout.Repo, paths []string, force bool) ([]pendingEntity, []string, []string, error) {
	type parseResult struct {
		path string
		ent  *markdown.Entity
		hash string
		size int64
		mod  time.Time
		err  error
	}

	results := make([]parseResult, len(paths))
	p := pool.New().WithMaxGoroutines(8)
	for i, path := range paths {
		i, path := i, path
		p.Go(func() {
			raw, err := os.ReadFile(path)
			if err != nil {
				results[i] = parseResult{path: path, err: err}
				return
			}
			info, err := os.Stat(path)
			if err != nil {
				results[i] = parseResult{path: path, err: err}
				return
			}
			doc, err := markdown.Parse(path, string(raw))
			if err != nil {
				results[i] = parseResult{path: path, err: err}
				return
			}
			ent, err := markdown.ToEntity(doc)
			if err != nil {
				results[i] = parseResult{path: path, err: err}
				return
			}
			results[i] = parseResult{
				path: path, ent: ent,
				hash: ids.ContentHash(raw), size: info.Size(), mod: info.ModTime(),
			}
		})
	}
	p.Wait()

	var warnings []string
	var pending []pendingEntity
	var texts []string

	err := o.Store.View(func(tx *store.Txn) error {
		for _, r := range results {
			if r.err != nil {
				rel, _ := repo.RelPath(r.path)
				warnings = append(warnings, fmt.Sprintf("%s: %v", rel, r.err))
				continue
			}
			rel, _ := repo.RelPath(r.path)
			obs := manifest.Observation{
				EntityID:           r.ent.ID,
				FilePath:           rel,
				ContentHash:        r.hash,
				Mtime:              r.mod,
				Size:               r.size,
				EmbeddingModelName: o.Embedder.ModelName(),
				IndexerVersion:     o.IndexerVersion,
			}

			var prior store.ManifestEntry
			var priorExists bool
			var decision manifest.Decision
			if force {
				decision = manifest.Insert
			} else {
				var err error
				prior, priorExists, err = tx.GetManifestEntry(r.ent.ID)
				if err != nil {
					return err
				}
				decision = manifest.Classify(obs, prior, priorExists)
			}

			pe := pendingEntity{entity: r.ent, obs: obs, decision: decision, prior: prior, priorExists: priorExists, embedIndex: -1}
			if decision != manifest.Skip {
				pe.embedIndex = len(texts)
				texts = append(texts, embedText(r.ent))
			}
			pending = append(pending, pe)
		}
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return pending, texts, warnings, nil
}

// embedBatches embeds texts in Orchestrator.BatchSize-sized chunks using
// golang.org/x/sync/errgroup with a limit of one goroutine, so calls into
// the embedder's shared instance run one at a time (WazeroEmbedder has no
// lock of its own) and the first failing chunk stops the rest.
func (o *Orchestrator) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	batchSize := o.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}
	out := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(1)
	for start := 0; start < len(texts); start += batchSize {
		start := start
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vecs, err := o.Embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// embedText builds the composite embedding input spec.md §4.4 specifies.
func embedText(e *markdown.Entity) string {
	return fmt.Sprintf("%s\n\n%s\n\nTags: %s\nType: %s\n", e.Title, e.Body, strings.Join(e.Tags, ","), e.Kind)
}

func nodeProperties(e *markdown.Entity, obs manifest.Observation, nodeID, vectorID uint64) map[string]string {
	return map[string]string{
		"id":           e.ID,
		"kind":         e.Kind,
		"title":        e.Title,
		"status":       e.Status,
		"file_path":    obs.FilePath,
		"content_hash": obs.ContentHash,
		"vector_id":    fmt.Sprint(vectorID),
		"tags":         strings.Join(e.Tags, ","),
		"body":         e.Body,
		"date":         e.Date,
		"updated_at":   e.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func versionFor(p pendingEntity) uint64 {
	if p.priorExists {
		return 1
	}
	return 0
}

// walkKindDirs enumerates every .md file under every kind directory, in
// lexicographic order by path, per spec.md §4.7 step 2.
func walkKindDirs(repo *layout.Repo) ([]string, error) {
	var paths []string
	for _, full := range repo.AllKindDirs() {
		entries, err := os.ReadDir(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			paths = append(paths, filepath.Join(full, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
