// find.go - Query builder: sort, limit, skip and projection over a filter

package odm

import (
	"context"
	"iter"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Query is a filter plus find options. Build it with Collection.Filter.
type Query[T any, P docPtr[T]] struct {
	coll       *Collection[T, P]
	filter     Q
	sort       bson.D
	skip       int64
	limit      int64
	projection bson.D
}

// Sort sets sort order; "-field" sorts descending.
func (q *Query[T, P]) Sort(fields ...string) *Query[T, P] {
	q.sort = sortDocument(fields...)
	return q
}

// Limit sets query limit
func (q *Query[T, P]) Limit(n int) *Query[T, P] {
	q.limit = int64(n)
	return q
}

// Skip sets query skip
func (q *Query[T, P]) Skip(n int) *Query[T, P] {
	q.skip = int64(n)
	return q
}

// Select restricts the returned fields; "-field" excludes a field instead.
func (q *Query[T, P]) Select(fields ...string) *Query[T, P] {
	q.projection = projectionDocument(fields...)
	return q
}

// Cursor runs the query and returns a cursor over its results.
func (q *Query[T, P]) Cursor(ctx context.Context) (*Cursor[T, P], error) {
	c := q.coll
	if err := c.ready("filter"); err != nil {
		return nil, err
	}
	filter, err := Translate(q.filter)
	if err != nil {
		return nil, c.done("filter", err)
	}

	findOpts := options.Find()
	if q.projection != nil {
		findOpts.SetProjection(q.projection)
	}
	if q.sort != nil {
		findOpts.SetSort(q.sort)
	}
	if q.skip > 0 {
		findOpts.SetSkip(q.skip)
	}
	if q.limit > 0 {
		findOpts.SetLimit(q.limit)
	}

	cursor, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, c.done("filter", err)
	}
	return newCursor[T, P](cursor, c.meta.Collection), c.done("filter", nil)
}

// All materializes every result.
func (q *Query[T, P]) All(ctx context.Context) ([]P, error) {
	cursor, err := q.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	return cursor.All(ctx, 0)
}

// One returns the first result, or ErrNotFound.
func (q *Query[T, P]) One(ctx context.Context) (P, error) {
	cursor, err := q.Cursor(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := cursor.All(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, newError(ErrNotFound, "one", "no document matches the query")
	}
	return docs[0], nil
}

// Count counts query results, honouring skip and limit.
func (q *Query[T, P]) Count(ctx context.Context) (int64, error) {
	c := q.coll
	if err := c.ready("count"); err != nil {
		return 0, err
	}
	filter, err := Translate(q.filter)
	if err != nil {
		return 0, c.done("count", err)
	}

	opts := options.Count()
	if q.skip > 0 {
		opts.SetSkip(q.skip)
	}
	if q.limit > 0 {
		opts.SetLimit(q.limit)
	}

	count, err := c.coll.CountDocuments(ctx, filter, opts)
	if err != nil {
		return 0, c.done("count", err)
	}
	return count, c.done("count", nil)
}

// Seq returns a lazy sequence over the results. Every range over it runs the
// query again, so the sequence can be consumed more than once.
//
//	for user, err := range users.Filter(odm.Q{"age__gte": 18}).Seq(ctx) {
//	    ...
//	}
func (q *Query[T, P]) Seq(ctx context.Context) iter.Seq2[P, error] {
	return func(yield func(P, error) bool) {
		cursor, err := q.Cursor(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			if !yield(cursor.Doc(), nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, err)
		}
	}
}
