// Package workpool runs id-keyed fetches with bounded concurrency and stops
// dispatching once recent outcomes say the id space is exhausted.
package workpool

import (
	"context"
	"sort"
	"sync"
)

// Outcome is the result of one completed item, as seen by a StopFunc.
type Outcome struct {
	ID    int64
	Found bool
	Err   error
}

// StopFunc decides, after every completion, whether to stop dispatching.
// window holds the most recent outcomes in completion order, oldest first.
type StopFunc func(window []Outcome) bool

// ConsecutiveMisses stops once the last n completed items were all misses.
// Failed items count as misses.
func ConsecutiveMisses(n int) StopFunc {
	return func(window []Outcome) bool {
		if n <= 0 || len(window) < n {
			return false
		}
		for _, o := range window[len(window)-n:] {
			if o.Found {
				return false
			}
		}
		return true
	}
}

// Options configures Run.
type Options struct {
	// Concurrency bounds the number of items in flight.
	Concurrency int

	// Window is how many recent outcomes Stop sees.
	Window int

	Stop StopFunc
}

// Producer yields ids to process. ok is false when ids are exhausted.
type Producer func() (id int64, ok bool)

// Range produces count consecutive ids starting at start.
func Range(start, count int64) Producer {
	next, end := start, start+count
	return func() (int64, bool) {
		if next >= end {
			return 0, false
		}
		id := next
		next++
		return id, true
	}
}

// WorkFunc processes one id. found is false when nothing exists at id.
type WorkFunc[T any] func(ctx context.Context, id int64) (result T, found bool, err error)

// Found is one successful result.
type Found[T any] struct {
	ID     int64
	Result T
}

// Stats summarizes a run.
type Stats struct {
	Dispatched   int
	Found        int
	Missed       int
	Failed       int
	StoppedEarly bool
}

// Run dispatches ids from next to work with at most Concurrency items in
// flight. Once Stop returns true, or ctx is done, nothing more is
// dispatched and in-flight items drain. Found results are returned sorted
// by id. Item errors are counted, never returned; Run only fails when ctx
// ends.
func Run[T any](ctx context.Context, opts Options, next Producer, work WorkFunc[T]) ([]Found[T], Stats, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Window < 1 {
		opts.Window = opts.Concurrency
	}

	type done struct {
		id     int64
		result T
		found  bool
		err    error
	}

	var (
		stats   Stats
		results []Found[T]
		window  []Outcome
		wg      sync.WaitGroup
	)
	completions := make(chan done, opts.Concurrency)
	inFlight := 0
	stopped := false

	dispatch := func() {
		for !stopped && inFlight < opts.Concurrency {
			if ctx.Err() != nil {
				stopped = true
				return
			}
			id, ok := next()
			if !ok {
				stopped = true
				return
			}
			inFlight++
			stats.Dispatched++
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				r, found, err := work(ctx, id)
				completions <- done{id: id, result: r, found: found && err == nil, err: err}
			}(id)
		}
	}

	dispatch()
	for inFlight > 0 {
		d := <-completions
		inFlight--

		switch {
		case d.err != nil:
			stats.Failed++
		case d.found:
			stats.Found++
			results = append(results, Found[T]{ID: d.id, Result: d.result})
		default:
			stats.Missed++
		}

		window = append(window, Outcome{ID: d.id, Found: d.found, Err: d.err})
		if len(window) > opts.Window {
			window = window[len(window)-opts.Window:]
		}
		if !stopped && opts.Stop != nil && opts.Stop(window) {
			stopped = true
			stats.StoppedEarly = true
		}
		dispatch()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	if err := ctx.Err(); err != nil {
		return results, stats, err
	}
	return results, stats, nil
}
