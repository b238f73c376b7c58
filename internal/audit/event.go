// Package audit records one structured event per cookie sync operation.
// Sinks are fire-and-forget: callers log sink failures and move on.
package audit

import (
	"context"
	"time"
)

// Operation enumerates audited operations.
type Operation string

const (
	// OperationUpload marks a payload upload.
	OperationUpload Operation = "UPLOAD"
	// OperationDownload marks a payload download.
	OperationDownload Operation = "DOWNLOAD"
	// OperationDelete marks a logical delete.
	OperationDelete Operation = "DELETE"
)

// Event is one audited invocation, successful or not.
type Event struct {
	Operation       Operation
	UserID          string
	SizeBytes       int64
	ItemCount       int64
	ClientSignature string
	ClientAddress   string
	Success         bool
	ErrorDetail     string
	Duration        time.Duration
	OccurredAt      time.Time
}

// Sink accepts audit events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// Writer persists a single audit event synchronously.
type Writer interface {
	Write(ctx context.Context, event Event) error
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Event) error {
	return nil
}
