package checksum

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/verigo/verigo/pkg/pathtree"
	"github.com/verigo/verigo/pkg/pool"
	"github.com/verigo/verigo/pkg/progress"
)

// Result is the outcome of hashing a single file. Exactly one Result is
// emitted per submitted record, success or not.
type Result struct {
	Record *pathtree.Record
	Sum    string
	Err    error
}

// Pool hashes batches of files on a fixed number of workers. The pool is
// created once per run and reused across batches; workers live only for
// the duration of a batch.
type Pool struct {
	Algorithm Algorithm
	Workers   int
	Buffers   *pool.FixedBufferPool
	Counters  *progress.Counters
}

// NewPool sizes a pool for the given workload profile and buffer size.
func NewPool(alg Algorithm, workload Profile, bufferSize int64, counters *progress.Counters) *Pool {
	return &Pool{
		Algorithm: alg,
		Workers:   workload.WorkerCount(),
		Buffers:   pool.NewFixedBuffer(bufferSize),
		Counters:  counters,
	}
}

// Run hashes every record in the batch and returns the results channel.
// The channel is closed once every record has produced exactly one Result.
// Cancelling the context makes in-flight files return early with the
// context error; records never picked up are still drained with Err set,
// so callers can range over the channel unconditionally.
func (p *Pool) Run(ctx context.Context, batch []*pathtree.Record) <-chan Result {
	jobs := make(chan *pathtree.Record)
	results := make(chan Result, len(batch))

	workers := p.Workers
	if workers > len(batch) {
		workers = len(batch)
	}
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for rec := range jobs {
				sum, read, err := HashFile(gctx, p.Algorithm, rec.AbsPath(), p.Buffers)
				if p.Counters != nil {
					p.Counters.BytesRead.Add(read)
					switch {
					case err == nil:
						p.Counters.ChecksumsOK.Add(1)
					case errors.Is(err, context.Canceled):
						// A cancelled run is not a hashing failure.
					default:
						p.Counters.ChecksumsErr.Add(1)
					}
				}
				results <- Result{Record: rec, Sum: sum, Err: err}
			}
			return nil
		})
	}

	go func() {
		defer close(results)
		for i, rec := range batch {
			select {
			case jobs <- rec:
			case <-gctx.Done():
				close(jobs)
				_ = g.Wait()
				// Emit a Result for every record the workers never took.
				for _, rest := range batch[i:] {
					results <- Result{Record: rest, Err: gctx.Err()}
				}
				return
			}
		}
		close(jobs)
		_ = g.Wait()
	}()

	return results
}
