package vapi

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
)

const (
	DefaultBulkDeleteDelay  = 250 * time.Millisecond
	DefaultChunkSize        = 10
	DefaultChunkDelay       = 5 * time.Second
	DefaultChunkItemDelay   = 200 * time.Millisecond
	breakerMinFailures      = 5
	breakerFailureRatio     = 0.2
	breakerOpenStateTimeout = time.Minute
)

// newDeleteBreaker trips once more than five deletions have failed and the
// failures exceed 20% of the attempts so far.
func newDeleteBreaker(log *zap.Logger) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "vapi_bulk_delete",
		Timeout: breakerOpenStateTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.TotalFailures <= breakerMinFailures || counts.Requests == 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observer.IncBreakerTransition(from.String(), to.String())
			log.Warn("Bulk delete breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// BulkDelete deletes calls one at a time with delay between requests. It
// stops early once the failure breaker opens.
func (c *Client) BulkDelete(ctx context.Context, credential string, callIDs []string, delay time.Duration) BulkDeleteResult {
	result := BulkDeleteResult{Errors: []string{}}
	if len(callIDs) == 0 {
		return result
	}

	log := logger.FromContextOr(ctx, c.log)
	breaker := newDeleteBreaker(log)
	total := len(callIDs)
	log.Info("Starting bulk delete", zap.Int("total", total))

	for i, callID := range callIDs {
		if breaker.State() == gobreaker.StateOpen {
			log.Warn("Stopping bulk delete due to high failure rate",
				zap.Int("processed", result.TotalProcessed),
				zap.Int("failed", result.Failed),
			)
			break
		}
		if ctx.Err() != nil {
			break
		}

		_, err := breaker.Execute(func() (struct{}, error) {
			return struct{}{}, c.DeleteCall(ctx, credential, callID)
		})
		switch {
		case err == nil:
			result.Success++
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			continue
		default:
			result.Failed++
			result.Errors = append(result.Errors, callID)
			log.Debug("Bulk delete item failed", zap.String("call_id", callID), zap.Error(err))
		}
		result.TotalProcessed = result.Success + result.Failed

		if delay > 0 && i < total-1 {
			if err := sleepContext(ctx, delay); err != nil {
				break
			}
		}
	}

	log.Info("Bulk delete completed",
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
		zap.Int("total_processed", result.TotalProcessed),
	)
	return result
}

// ChunkedBulkDelete splits ids into chunks and runs BulkDelete per chunk with
// a pause between chunks.
func (c *Client) ChunkedBulkDelete(ctx context.Context, credential string, callIDs []string, chunkSize int, chunkDelay time.Duration) BulkDeleteResult {
	result := BulkDeleteResult{Errors: []string{}}
	if len(callIDs) == 0 {
		return result
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	chunks := chunkIDs(callIDs, chunkSize)
	log := logger.FromContextOr(ctx, c.log)
	log.Info("Starting chunked bulk delete", zap.Int("total", len(callIDs)), zap.Int("chunks", len(chunks)))

	for i, chunk := range chunks {
		r := c.BulkDelete(ctx, credential, chunk, c.chunkItemDelay)
		result.Success += r.Success
		result.Failed += r.Failed
		result.Errors = append(result.Errors, r.Errors...)
		result.ChunksProcessed++

		if i < len(chunks)-1 && chunkDelay > 0 {
			if err := sleepContext(ctx, chunkDelay); err != nil {
				break
			}
		}
	}
	result.TotalProcessed = result.Success + result.Failed
	return result
}

func chunkIDs(ids []string, size int) [][]string {
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
