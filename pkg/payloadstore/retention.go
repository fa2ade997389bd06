package payloadstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/elspeth/elspeth/pkg/contracts"
)

// RetentionStore adapts a raw Store into the discriminated RowDataResult
// vocabulary the audit trail exposes to operators. It is also the seam
// where "no store configured at all" is distinguished from "store
// configured, reference unknown or purged" — a pipeline run without a
// payload store still produces a complete, valid audit trail, just one that
// can never answer what the row data was.
type RetentionStore struct {
	backend Store // nil means no store configured
}

// NewRetentionStore wraps backend. Passing a nil backend is valid and
// models a pipeline that intentionally runs without payload storage.
func NewRetentionStore(backend Store) *RetentionStore {
	return &RetentionStore{backend: backend}
}

// Configured reports whether a backend is present.
func (r *RetentionStore) Configured() bool {
	return r.backend != nil
}

// Store persists data and returns its content reference. Called only when
// Configured(); callers that skip storage entirely record
// contracts.NeverStored() against the row instead.
func (r *RetentionStore) Store(ctx context.Context, data []byte) (string, error) {
	if r.backend == nil {
		return "", fmt.Errorf("payloadstore: Store called with no backend configured")
	}
	return r.backend.Store(ctx, data)
}

// Explain resolves ref to a RowDataResult: AVAILABLE with the bytes,
// PURGED or ROW_NOT_FOUND on the backend's sentinel errors, or
// STORE_NOT_CONFIGURED when no backend is wired at all. ref == "" means the
// row was never stored in the first place (e.g. a dry run, or a plugin that
// declined to persist source bytes), distinct from a reference that once
// existed and was later purged.
func (r *RetentionStore) Explain(ctx context.Context, ref string) contracts.RowDataResult {
	if ref == "" {
		return contracts.NeverStored()
	}
	if r.backend == nil {
		return contracts.StoreNotConfigured()
	}

	data, err := r.backend.Retrieve(ctx, ref)
	switch {
	case err == nil:
		return contracts.Available(data)
	case errors.Is(err, ErrPayloadPurged):
		return contracts.Purged()
	case errors.Is(err, ErrPayloadNotFound):
		return contracts.RowNotFound()
	default:
		// An unrecognized backend failure (network, auth, throttling) is not
		// the same claim as "we know this row was purged". Explain has no
		// error return, so it yields the zero RowDataResult (empty State)
		// and drops the error; ExplainErr returns it.
		return contracts.RowDataResult{}
	}
}

// ExplainErr is Explain plus the raw backend error, for callers (like
// internal/landscape.Recorder.ExplainRow) that need to tell "we have a
// definite answer" apart from "the backend itself failed".
func (r *RetentionStore) ExplainErr(ctx context.Context, ref string) (contracts.RowDataResult, error) {
	if ref == "" {
		return contracts.NeverStored(), nil
	}
	if r.backend == nil {
		return contracts.StoreNotConfigured(), nil
	}

	data, err := r.backend.Retrieve(ctx, ref)
	switch {
	case err == nil:
		return contracts.Available(data), nil
	case errors.Is(err, ErrPayloadPurged):
		return contracts.Purged(), nil
	case errors.Is(err, ErrPayloadNotFound):
		return contracts.RowNotFound(), nil
	default:
		return contracts.RowDataResult{}, fmt.Errorf("payloadstore: retrieve %s: %w", ref, err)
	}
}
