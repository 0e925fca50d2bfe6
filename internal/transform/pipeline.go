package transform

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/acme-corp/racing-pipeline/internal/ingestion"
	"github.com/acme-corp/racing-pipeline/internal/schema"
)

// RowSet holds the rows a batch contributes, per relation, in record order.
type RowSet struct {
	Rows    map[string][]schema.Row
	Skipped map[string]int
}

func newRowSet() *RowSet {
	return &RowSet{Rows: make(map[string][]schema.Row), Skipped: make(map[string]int)}
}

// Pipeline projects snapshot records into relation rows. Every record goes
// through all projections.
type Pipeline struct {
	projections []Projection
	workers     int
	errHandler  func(error, ingestion.Record)
	mu          sync.RWMutex
}

// NewPipeline creates a projection pipeline with the given worker count.
func NewPipeline(workers int, log zerolog.Logger) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		workers: workers,
		errHandler: func(err error, r ingestion.Record) {
			log.Warn().Err(err).Str("source", r.Source).Int64("line", r.Line).Msg("record rejected")
		},
	}
}

// AddProjection appends a relation to the pipeline.
func (p *Pipeline) AddProjection(proj Projection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.projections = append(p.projections, proj)
}

// SetErrorHandler sets a custom handler for rejected records.
func (p *Pipeline) SetErrorHandler(handler func(error, ingestion.Record)) {
	p.errHandler = handler
}

// Process projects a batch using a fan-out/fan-in pattern:
//
//	            ┌──► worker 1 ──┐
//	input ──►───┼──► worker 2 ──┼───► output
//	            └──► worker 3 ──┘
//
// Results are reassembled by record index, so rows come out in the order
// their records were read regardless of which worker handled them. A
// record that fails any projection contributes no rows at all.
func (p *Pipeline) Process(ctx context.Context, batch *ingestion.Batch) (*RowSet, []error) {
	p.mu.RLock()
	projections := make([]Projection, len(p.projections))
	copy(projections, p.projections)
	p.mu.RUnlock()

	type item struct {
		record ingestion.Record
		index  int
	}
	type result struct {
		projected []Projected
		err       error
		index     int
	}

	input := make(chan item, len(batch.Records))
	output := make(chan result, len(batch.Records))

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range input {
				if ctx.Err() != nil {
					output <- result{err: ctx.Err(), index: it.index}
					continue
				}
				projected, err := project(projections, it.record)
				output <- result{projected: projected, err: err, index: it.index}
			}
		}()
	}

	for i, rec := range batch.Records {
		input <- item{record: rec, index: i}
	}
	close(input)

	go func() {
		wg.Wait()
		close(output)
	}()

	ordered := make([][]Projected, len(batch.Records))
	var errs []error
	for res := range output {
		if res.err != nil {
			if errors.Cause(res.err) == ctx.Err() {
				continue
			}
			errs = append(errs, res.err)
			p.errHandler(res.err, batch.Records[res.index])
			continue
		}
		ordered[res.index] = res.projected
	}
	if err := ctx.Err(); err != nil {
		return nil, append(errs, err)
	}

	rs := newRowSet()
	for _, projected := range ordered {
		for i, pr := range projected {
			name := projections[i].Relation.Name
			rs.Rows[name] = append(rs.Rows[name], pr.Rows...)
			rs.Skipped[name] += pr.Skipped
		}
	}
	return rs, errs
}

func project(projections []Projection, rec ingestion.Record) ([]Projected, error) {
	if rec.Err != nil {
		return nil, errors.Wrapf(rec.Err, "%s:%d", rec.Source, rec.Line)
	}
	obj, ok := rec.Object()
	if !ok {
		return nil, errors.Errorf("%s:%d: record is not a JSON object", rec.Source, rec.Line)
	}
	out := make([]Projected, len(projections))
	for i, proj := range projections {
		pr, err := proj.Project(obj)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: %s", rec.Source, rec.Line, proj.Relation.Name)
		}
		out[i] = pr
	}
	return out, nil
}
