// Package payloadstore implements the content-addressed blob interface used
// for payload references throughout the audit trail. Store is idempotent by
// content hash; Retrieve either returns the exact bytes that hash to the
// reference or a distinguishable PayloadPurged / PayloadNotFound failure.
package payloadstore

import (
	"context"
	"errors"

	"github.com/elspeth/elspeth/pkg/codec"
)

// ErrPayloadPurged is returned by a Store backend when the reference is
// known but retention has removed the bytes.
var ErrPayloadPurged = errors.New("payloadstore: payload purged")

// ErrPayloadNotFound is returned when the reference is not known at all.
var ErrPayloadNotFound = errors.New("payloadstore: payload not found")

// Store is the content-addressed blob backend. Concrete backends
// (filesystem, S3-compatible object stores) implement this interface; the
// core never depends on a specific backend directly.
type Store interface {
	Store(ctx context.Context, data []byte) (ref string, err error)
	Retrieve(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// ContentRef computes the reference a Store implementation must use for
// data: ref == content_hash(data). Backends call this so Store remains
// idempotent regardless of how many times the same bytes are written.
func ContentRef(data []byte) string {
	return codec.HashBytes(data)
}
