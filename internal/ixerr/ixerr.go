// Package ixerr declares the error taxonomy from spec.md §7 as sentinel
// and typed errors so callers can distinguish fatal infrastructure failures
// from non-fatal per-file validation issues with errors.Is/As.
package ixerr

import "errors"

// Sentinel errors for the conditions spec.md §7 calls out as immediately
// fatal regardless of caller.
var (
	// ErrNotInitialized means the repo has no .ixchel/ directory.
	ErrNotInitialized = errors.New("ixchel: repository not initialized (.ixchel/ not found)")
	// ErrNotInRepo means no enclosing .git directory was found.
	ErrNotInRepo = errors.New("ixchel: not inside a git repository")
	// ErrUnknownPrefix means an id's prefix does not map to a known kind.
	ErrUnknownPrefix = errors.New("ixchel: unknown id prefix")
	// ErrNotFound means a requested entity does not exist.
	ErrNotFound = errors.New("ixchel: entity not found")
	// ErrAlreadyExists means a create operation targeted an id already in use.
	ErrAlreadyExists = errors.New("ixchel: entity already exists")
	// ErrSyncInProgress means a write transaction is already held for this store.
	ErrSyncInProgress = errors.New("ixchel: a sync is already running for this repository")
)

// MalformedFrontmatterError wraps a per-file Markdown parse failure. Within
// sync it is non-fatal (the file is skipped, spec.md §7); for a direct
// read of that single file it should be treated as fatal by the caller.
type MalformedFrontmatterError struct {
	Path string
	Err  error
}

func (e *MalformedFrontmatterError) Error() string {
	return "malformed frontmatter in " + e.Path + ": " + e.Err.Error()
}

func (e *MalformedFrontmatterError) Unwrap() error { return e.Err }

// EmbeddingError wraps a failure from the embedding provider. It is always
// fatal for the enclosing sync transaction (spec.md §7): the transaction
// must abort without a partial commit.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return "embedding provider failed: " + e.Err.Error() }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// StoreError wraps a failure from a store transaction. Always fatal for the
// enclosing operation; the manifest and graph remain in their prior
// consistent state because the transaction never committed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }
