// Package batch implements the batch-aware transform adapter: a fixed-size
// worker pool that pipelines many outbound calls per row concurrently while
// a reorder buffer releases results downstream in the exact order rows
// were submitted.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/correlator-io/elspeth/internal/canonical"
	"github.com/correlator-io/elspeth/internal/token"
)

// Port is the output side of the adapter. Emit is called exactly once per
// accepted row, in submission order, once processing has settled.
type Port interface {
	Emit(tok token.Info, result canonical.Value, stateID string, err error) error
}

// ProcessFunc performs one row's outbound work. stateID identifies the node
// state the caller already opened for tok before submission.
type ProcessFunc func(ctx context.Context, tok token.Info, stateID string) (result canonical.Value, err error)

// ErrQueryFailed is the terminal error for a row whose retries never
// succeeded within the configured retry window.
var ErrQueryFailed = fmt.Errorf("batch: query_failed")

type submission struct {
	index   int
	tok     token.Info
	stateID string
}

type outcome struct {
	index   int
	tok     token.Info
	stateID string
	result  canonical.Value
	err     error
}

// Adapter is a batch-aware transform's execution engine: accept submits
// rows, a bounded worker pool processes them concurrently under AIMD
// control, and a reorder buffer emits results downstream in submission
// order.
type Adapter struct {
	process  ProcessFunc
	classify ClassifyFunc
	aimd     *AIMDController

	maxCapacityRetry time.Duration
	retryBackoff     time.Duration
	maxWorkers       int

	port       Port
	maxPending int

	clients *ClientCache

	submitCh chan submission
	resultCh chan outcome

	rowWG sync.WaitGroup

	reorderDone chan struct{}
	nextIndex   int
	closeOnce   sync.Once
	stopCh      chan struct{}
}

// Config carries the tunables spec.md §4.7 names.
type Config struct {
	MaxWorkers              int
	MaxCapacityRetrySeconds time.Duration
	RetryBackoff            time.Duration
	AIMDMin                 int
	AIMDMax                 int
	AIMDCooldown            time.Duration
}

// NewAdapter builds an adapter around process, which performs the actual
// per-row outbound work, classified for retry by classify (DefaultClassifier
// if nil).
func NewAdapter(cfg Config, process ProcessFunc, classify ClassifyFunc) *Adapter {
	if classify == nil {
		classify = DefaultClassifier
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	a := &Adapter{
		process:          process,
		classify:         classify,
		aimd:             NewAIMDController(cfg.AIMDMin, cfg.AIMDMax, cfg.AIMDCooldown),
		maxCapacityRetry: cfg.MaxCapacityRetrySeconds,
		retryBackoff:     cfg.RetryBackoff,
		maxWorkers:       maxWorkers,
		clients:          NewClientCache(),
		stopCh:           make(chan struct{}),
	}

	return a
}

// ConnectOutput wires the output port and sets maxPending, the capacity of
// the submission queue and of the result channel. It does not cap the total
// number of rows in flight: rows already running on a worker or waiting in
// the reorder buffer are not counted against maxPending.
func (a *Adapter) ConnectOutput(port Port, maxPending int) {
	a.port = port
	a.maxPending = maxPending
}

// OnStart launches the worker dispatcher and the reorder/emit loop. It must
// be called once before Accept.
func (a *Adapter) OnStart(ctx context.Context) error {
	if a.port == nil {
		return fmt.Errorf("batch: ConnectOutput must be called before OnStart")
	}

	a.submitCh = make(chan submission, a.maxPending)
	a.resultCh = make(chan outcome, a.maxPending)
	a.reorderDone = make(chan struct{})

	go a.dispatch(ctx)
	go a.reorder()

	return nil
}

// Accept submits a row for async processing, blocking while maxPending
// submitted rows are still queued waiting for a worker slot.
func (a *Adapter) Accept(ctx context.Context, tok token.Info, stateID string) error {
	a.rowWG.Add(1)

	index := a.nextIndex
	a.nextIndex++

	select {
	case a.submitCh <- submission{index: index, tok: tok, stateID: stateID}:
		return nil
	case <-ctx.Done():
		a.rowWG.Done()

		return ctx.Err()
	}
}

// dispatch pulls submissions off the channel and hands each row to one of
// maxWorkers worker slots once the AIMD-governed rate.Limiter admits it.
func (a *Adapter) dispatch(ctx context.Context) {
	workers := make(chan struct{}, a.maxWorkers)

	for {
		select {
		case sub, ok := <-a.submitCh:
			if !ok {
				return
			}

			if err := a.aimd.Wait(ctx); err != nil {
				a.rowWG.Done()

				return
			}

			select {
			case workers <- struct{}{}:
			case <-a.stopCh:
				a.rowWG.Done()

				return
			}

			go func(sub submission) {
				defer func() { <-workers }()

				a.runRow(ctx, sub)
			}(sub)
		case <-a.stopCh:
			return
		}
	}
}

func (a *Adapter) runRow(ctx context.Context, sub submission) {
	result, err := a.runWithRetry(ctx, sub)

	a.resultCh <- outcome{index: sub.index, tok: sub.tok, stateID: sub.stateID, result: result, err: err}
}

func (a *Adapter) runWithRetry(ctx context.Context, sub submission) (canonical.Value, error) {
	deadline := time.Now().Add(a.maxCapacityRetry)

	for {
		result, err := a.process(ctx, sub.tok, sub.stateID)
		if err == nil {
			a.aimd.OnSuccess()

			return result, nil
		}

		if a.classify(err) == Permanent {
			return nil, err
		}

		a.aimd.OnRetryableError()

		if a.maxCapacityRetry > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}

		select {
		case <-time.After(a.retryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// reorder releases completed results downstream in submission order.
func (a *Adapter) reorder() {
	defer close(a.reorderDone)

	buffer := make(map[int]outcome)
	nextEmit := 0

	for o := range a.resultCh {
		buffer[o.index] = o

		for {
			next, ok := buffer[nextEmit]
			if !ok {
				break
			}

			delete(buffer, nextEmit)
			nextEmit++

			_ = a.port.Emit(next.tok, next.result, next.stateID, next.err)

			a.rowWG.Done()
		}
	}
}

// FlushBatchProcessing waits for every accepted row to settle and be
// emitted, or returns an error if timeout elapses first.
func (a *Adapter) FlushBatchProcessing(timeout time.Duration) error {
	done := make(chan struct{})

	go func() {
		a.rowWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("batch: flush_batch_processing timed out after %s", timeout)
	}
}

// Close stops the dispatcher and reorder loop and drains the per-row client
// cache to at most one entry.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.stopCh)
		close(a.submitCh)
		close(a.resultCh)
	})

	a.clients.ShrinkToBatchScope()

	return nil
}
