package vapi

import (
	"context"
	"time"

	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
)

// API is the remote call API surface used by the sync engine and the
// command service.
type API interface {
	TestConnection(ctx context.Context, credential string) bool
	FetchCallLogs(ctx context.Context, credential string, filters ListFilters) (*CallBatch, error)
	FetchAllCallLogs(ctx context.Context, credential string, filters ListFilters) (*CallBatch, error)
	DeleteCall(ctx context.Context, credential, callID string) error
	BulkDelete(ctx context.Context, credential string, callIDs []string, delay time.Duration) BulkDeleteResult
	ChunkedBulkDelete(ctx context.Context, credential string, callIDs []string, chunkSize int, chunkDelay time.Duration) BulkDeleteResult
	RateLimitInfo(ctx context.Context, credential string) (*RateLimitInfo, error)
}

// ListFilters narrow a call listing. Dates are inclusive YYYY-MM-DD days.
type ListFilters struct {
	Status   string
	DateFrom string
	DateTo   string
	Offset   int
}

// CallBatch is a normalized page (or set of pages) of remote calls.
type CallBatch struct {
	Records []model.RemoteCall
	// Malformed counts listed elements that could not be decoded.
	Malformed int
}

// Len returns the number of records in the batch.
func (b *CallBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// BulkDeleteResult summarises a sequence of remote deletions.
type BulkDeleteResult struct {
	Success         int      `json:"success"`
	Failed          int      `json:"failed"`
	Errors          []string `json:"errors"`
	TotalProcessed  int      `json:"total_processed"`
	ChunksProcessed int      `json:"chunks_processed,omitempty"`
}

// RateLimitInfo carries the remote rate limit headers. Missing headers are empty.
type RateLimitInfo struct {
	Limit     string            `json:"rate_limit"`
	Remaining string            `json:"rate_remaining"`
	Reset     string            `json:"rate_reset"`
	Headers   map[string]string `json:"all_headers"`
}
