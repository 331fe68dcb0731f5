// cursor.go - Typed, single-use wrapper over a driver cursor

package odm

import (
	"context"

	mongodrv "go.mongodb.org/mongo-driver/mongo"
)

// CursorState tracks a cursor's progress. States only move forward.
type CursorState int

const (
	CursorOpen CursorState = iota
	CursorConsuming
	CursorExhausted
)

func (s CursorState) String() string {
	switch s {
	case CursorOpen:
		return "open"
	case CursorConsuming:
		return "consuming"
	case CursorExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Cursor yields typed documents from one query result stream. It is not
// restartable; run the query again for a fresh stream.
type Cursor[T any, P docPtr[T]] struct {
	cursor     *mongodrv.Cursor
	collection string
	state      CursorState
	current    P
	err        error
}

func newCursor[T any, P docPtr[T]](cursor *mongodrv.Cursor, collection string) *Cursor[T, P] {
	return &Cursor[T, P]{cursor: cursor, collection: collection}
}

// Next advances to the next document. It returns false once the stream is
// exhausted or an error occurred; check Err afterwards.
func (c *Cursor[T, P]) Next(ctx context.Context) bool {
	if c.err != nil || c.state == CursorExhausted {
		return false
	}
	c.state = CursorConsuming

	if !c.cursor.Next(ctx) {
		// Distinguish end of stream from a failed getMore
		c.err = wrapError("cursor next", c.cursor.Err())
		c.finish(ctx)
		return false
	}

	doc := P(new(T))
	if err := c.cursor.Decode(doc); err != nil {
		c.err = wrapError("cursor decode", err)
		c.finish(ctx)
		return false
	}
	c.current = doc
	return true
}

// Doc returns the document read by the last successful Next.
func (c *Cursor[T, P]) Doc() P {
	return c.current
}

// Err returns the first error met while iterating.
func (c *Cursor[T, P]) Err() error {
	return c.err
}

// State reports where the cursor is in its lifecycle.
func (c *Cursor[T, P]) State() CursorState {
	return c.state
}

// Close releases the server-side cursor. Closing twice is harmless.
func (c *Cursor[T, P]) Close(ctx context.Context) error {
	if c.state != CursorExhausted {
		c.finish(ctx)
	}
	return c.err
}

// All reads the remaining documents in order, at most limit of them when limit
// is positive, and closes the cursor.
func (c *Cursor[T, P]) All(ctx context.Context, limit int) ([]P, error) {
	var docs []P
	for (limit <= 0 || len(docs) < limit) && c.Next(ctx) {
		docs = append(docs, c.current)
	}
	if err := c.Close(ctx); err != nil {
		return nil, err
	}
	return docs, nil
}

// Count consumes the remaining stream and returns how many documents it held.
func (c *Cursor[T, P]) Count(ctx context.Context) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n := 0
	if c.state != CursorExhausted {
		c.state = CursorConsuming
		for c.cursor.Next(ctx) {
			n++
		}
		c.err = wrapError("cursor count", c.cursor.Err())
		c.finish(ctx)
	}
	return n, c.err
}

func (c *Cursor[T, P]) finish(ctx context.Context) {
	c.state = CursorExhausted
	log().Debug("cursor closed", "collection", c.collection)
	if err := c.cursor.Close(ctx); err != nil && c.err == nil {
		c.err = wrapError("cursor close", err)
	}
}
