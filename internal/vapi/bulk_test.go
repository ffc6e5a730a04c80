package vapi

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClient_BulkDelete_BreakerStopsAfterSixFailures(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c, ctx := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/call/")
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
		if strings.HasPrefix(id, "bad") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ids := []string{"bad1", "bad2", "bad3", "bad4", "bad5", "bad6", "ok7", "ok8", "ok9", "ok10"}
	result := c.BulkDelete(ctx, "k", ids, 0)

	assert.Equal(t, 0, result.Success)
	assert.Equal(t, 6, result.Failed)
	assert.Equal(t, 6, result.TotalProcessed)
	assert.Equal(t, ids[:6], result.Errors)
	assert.Len(t, seen, 6)
}

func TestClient_BulkDelete_ToleratesLowFailureRate(t *testing.T) {
	c, ctx := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "x") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	ids := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("id%d", i)
		if i%6 == 0 {
			id += "x"
		}
		ids = append(ids, id)
	}
	result := c.BulkDelete(ctx, "k", ids, 0)

	assert.Equal(t, 33, result.Success)
	assert.Equal(t, 7, result.Failed)
	assert.Equal(t, 40, result.TotalProcessed)
}

func TestClient_BulkDelete_Empty(t *testing.T) {
	c, ctx := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	result := c.BulkDelete(ctx, "k", nil, 0)
	assert.Equal(t, BulkDeleteResult{Errors: []string{}}, result)
}

func TestClient_ChunkedBulkDelete(t *testing.T) {
	c, ctx := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/c3") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ids := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	result := c.ChunkedBulkDelete(ctx, "k", ids, 3, 0)

	assert.Equal(t, 6, result.Success)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 7, result.TotalProcessed)
	assert.Equal(t, 3, result.ChunksProcessed)
	assert.Equal(t, []string{"c3"}, result.Errors)
}

func TestChunkIDs(t *testing.T) {
	chunks := chunkIDs([]string{"a", "b", "c", "d", "e"}, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
}
