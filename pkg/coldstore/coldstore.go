// Package coldstore defines the interface the export and liquidity
// packages use to ship signed artifacts to long-term object storage.
// It has two implementations, pkg/export's S3 adapter and pkg/liquidity's
// GCS adapter, chosen per deployment — neither package depends on the
// other's cloud SDK.
package coldstore

import "context"

// Archiver uploads body under key and returns a location string
// (bucket-relative path or full URI, implementation-defined) that the
// caller can store alongside the artifact's hash for later retrieval.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) (location string, err error)
}
