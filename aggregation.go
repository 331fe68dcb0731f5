// aggregation.go - Aggregation pipelines passed through to the driver

package odm

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Pipe holds an aggregation pipeline and its options. The pipeline reaches
// the driver unmodified.
type Pipe[T any, P docPtr[T]] struct {
	coll      *Collection[T, P]
	pipeline  interface{}
	allowDisk bool
	batchSize int32
	maxTime   time.Duration
	collation *Collation
}

// Pipe creates an aggregation pipeline over the collection.
func (c *Collection[T, P]) Pipe(pipeline interface{}) *Pipe[T, P] {
	return &Pipe[T, P]{
		coll:     c,
		pipeline: pipeline,
	}
}

// AllowDiskUse enables writing to temporary files during aggregation
func (p *Pipe[T, P]) AllowDiskUse() *Pipe[T, P] {
	p.allowDisk = true
	return p
}

// Batch sets the batch size for the aggregation cursor
func (p *Pipe[T, P]) Batch(n int) *Pipe[T, P] {
	p.batchSize = int32(n)
	return p
}

// SetMaxTime sets the maximum execution time for the aggregation
func (p *Pipe[T, P]) SetMaxTime(d time.Duration) *Pipe[T, P] {
	p.maxTime = d
	return p
}

// Collation sets the collation for the aggregation
func (p *Pipe[T, P]) Collation(collation *Collation) *Pipe[T, P] {
	p.collation = collation
	return p
}

func (p *Pipe[T, P]) run(ctx context.Context) (*mongodrv.Cursor, error) {
	c := p.coll
	if err := c.ready("aggregate"); err != nil {
		return nil, err
	}

	opts := options.Aggregate()
	if p.allowDisk {
		opts.SetAllowDiskUse(true)
	}
	if p.batchSize > 0 {
		opts.SetBatchSize(p.batchSize)
	}
	if p.maxTime > 0 {
		opts.SetMaxTime(p.maxTime)
	}
	if p.collation != nil {
		opts.SetCollation(p.collation.options())
	}

	cursor, err := c.coll.Aggregate(ctx, p.pipeline, opts)
	if err != nil {
		return nil, c.done("aggregate", err)
	}
	return cursor, nil
}

// All executes the pipeline and returns every raw result document.
func (p *Pipe[T, P]) All(ctx context.Context) ([]bson.M, error) {
	results := []bson.M{}
	if err := p.Decode(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Decode executes the pipeline and decodes all results into out, which must
// be a pointer to a slice.
func (p *Pipe[T, P]) Decode(ctx context.Context, out interface{}) error {
	cursor, err := p.run(ctx)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	return p.coll.done("aggregate", cursor.All(ctx, out))
}

// One executes the pipeline and decodes the first result into out. It
// returns ErrNotFound when the pipeline yields nothing.
func (p *Pipe[T, P]) One(ctx context.Context, out interface{}) error {
	cursor, err := p.run(ctx)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	if cursor.Next(ctx) {
		return p.coll.done("aggregate", cursor.Decode(out))
	}
	if err := cursor.Err(); err != nil {
		return p.coll.done("aggregate", err)
	}
	return newError(ErrNotFound, "aggregate", "pipeline returned no documents")
}
