package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"ragdesk/internal/model"
)

type stubProcessor struct {
	err  error
	jobs []model.IngestJob
}

func (s *stubProcessor) ProcessJob(_ context.Context, job model.IngestJob) error {
	s.jobs = append(s.jobs, job)
	return s.err
}

func TestHandleOutcomes(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"document_id":"d1","owner_id":"alice"}`)

	ok := &stubProcessor{}
	w := NewIngestWorker(nil, ok, "ingest", zap.NewNop())
	assert.Equal(t, outcomeAck, w.handle(ctx, body, false))
	assert.Equal(t, []model.IngestJob{{DocumentID: "d1", OwnerID: "alice"}}, ok.jobs)

	failing := &stubProcessor{err: errors.New("db down")}
	w = NewIngestWorker(nil, failing, "ingest", zap.NewNop())
	assert.Equal(t, outcomeRequeue, w.handle(ctx, body, false))
	assert.Equal(t, outcomeDrop, w.handle(ctx, body, true))

	assert.Equal(t, outcomeDrop, w.handle(ctx, []byte(`not json`), false))
	assert.Equal(t, outcomeDrop, w.handle(ctx, []byte(`{"document_id":"d1"}`), false))
}

func TestReaperSweepsUntilClosed(t *testing.T) {
	var sweeps atomic.Int32
	r := NewReaper(func(context.Context) (int, error) {
		sweeps.Add(1)
		return 1, nil
	}, 5*time.Millisecond, zap.NewNop())

	r.Start(context.Background())
	assert.Eventually(t, func() bool { return sweeps.Load() >= 2 }, time.Second, 5*time.Millisecond)
	r.Close()

	after := sweeps.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, sweeps.Load())
}

func TestReaperDisabledWithoutInterval(t *testing.T) {
	r := NewReaper(func(context.Context) (int, error) { return 0, nil }, 0, zap.NewNop())
	r.Start(context.Background())
	r.Close()
}
