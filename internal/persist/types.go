// Package persist records every dispatched request/response pair into
// the tenant's relational store. Writes are asynchronous and
// best-effort: the queue is in-memory and bounded, and a crash loses
// whatever had not been flushed.
package persist

import (
	"errors"

	"github.com/google/uuid"
	"github.com/unicornbottle/ub-httpproxy/pkg/envelope"
)

// ErrInvalidSchema is returned by a TenantStore when the tenant's
// schema does not exist and creation was not requested.
var ErrInvalidSchema = errors.New("persist: invalid tenant schema")

// ErrorCapture preserves a dispatcher-side failure for offline
// inspection. Kind is the stable taxonomy name, Stack the formatted
// stack text at capture time.
type ErrorCapture struct {
	Kind    string
	Message string
	Stack   string
}

// WriteRecord is one unit of the persistence queue. Exactly one of
// Response and Error is set.
type WriteRecord struct {
	Tenant   uuid.UUID
	Request  *envelope.Request
	Response *envelope.Response
	Error    *ErrorCapture
}

// TenantConn is a live connection to one tenant's schema, owned
// exclusively by the persistence goroutine.
type TenantConn interface {
	// EndpointID returns the endpoint metadata id for the pair,
	// inserting and committing the row on first sight so the foreign
	// key is known before dependent rows are written. It must not be
	// called after InsertTraffic has opened the batch transaction:
	// on a single-writer store the auto-commit cannot get past the
	// batch's write lock.
	EndpointID(normalizedURL, method string) (int64, error)

	// InsertTraffic stages one request/response row under metadataID
	// in the current batch transaction.
	InsertTraffic(metadataID int64, rec WriteRecord) error

	// Commit commits the staged batch.
	Commit() error

	Close() error
}

// TenantStore is the connection factory keyed by tenant id.
type TenantStore interface {
	// Connect opens (or returns) a connection to the tenant's schema.
	// When create is false and the schema does not exist, it fails
	// with ErrInvalidSchema.
	Connect(tenant uuid.UUID, create bool) (TenantConn, error)
}
