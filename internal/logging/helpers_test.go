package logging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ollama_logger/internal/metrics"
	"ollama_logger/internal/models"
)

// fakeStore records inserts and can be told to fail
type fakeStore struct {
	mu          sync.Mutex
	records     []*models.RequestLog
	batchCalls  int
	insertCalls int
	batchErr    error
	insertErrs  []error // consumed one per Insert call
	closed      bool
}

func (f *fakeStore) Insert(ctx context.Context, rec *models.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) InsertBatch(ctx context.Context, recs []*models.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return f.batchErr
	}
	f.records = append(f.records, recs...)
	return nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeStore) requestIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.records))
	for i, r := range f.records {
		ids[i] = r.RequestID
	}
	return ids
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

func newRecord(i int) *models.RequestLog {
	return &models.RequestLog{
		RequestID: fmt.Sprintf("req-%d", i),
		Method:    "POST",
		Path:      "/api/chat",
		Model:     "llama3",
		APIKey:    "unknown",
	}
}

// countingMetrics tallies log record outcomes
type countingMetrics struct {
	metrics.NoopMetrics
	mu       sync.Mutex
	outcomes map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{outcomes: make(map[string]int)}
}

func (c *countingMetrics) LogRecords(outcome string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome] += n
}

func (c *countingMetrics) count(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[outcome]
}
