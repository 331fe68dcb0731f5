// bulk.go - Mixed bulk writes over one collection

package odm

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Bulk queues write operations and sends them in a single round trip.
// Operations run in order unless Unordered is called.
type Bulk[T any, P docPtr[T]] struct {
	coll    *Collection[T, P]
	ops     []mongodrv.WriteModel
	inserts []queuedInsert[T, P]
	ordered bool
	err     error
}

// queuedInsert remembers a document's state before it was stamped.
type queuedInsert[T any, P docPtr[T]] struct {
	op    int
	doc   P
	saved Model
}

// Bulk starts a new bulk write.
func (c *Collection[T, P]) Bulk() *Bulk[T, P] {
	return &Bulk[T, P]{coll: c, ordered: true}
}

// Unordered lets the server continue past a failed operation.
func (b *Bulk[T, P]) Unordered() *Bulk[T, P] {
	b.ordered = false
	return b
}

// Len returns the number of queued operations.
func (b *Bulk[T, P]) Len() int {
	return len(b.ops)
}

// Insert queues documents for insertion. Each is validated and stamped now;
// the first invalid document makes Run fail without writing anything.
// Documents that Run does not store get their previous state back.
func (b *Bulk[T, P]) Insert(docs ...P) *Bulk[T, P] {
	at := now()
	for i, doc := range docs {
		if b.err != nil {
			return b
		}
		if err := validateDocument(fmt.Sprintf("bulk insert[%d]", i), doc); err != nil {
			b.err = err
			return b
		}
		b.inserts = append(b.inserts, queuedInsert[T, P]{op: len(b.ops), doc: doc, saved: *doc.base()})
		doc.base().stamp(at)
		b.ops = append(b.ops, mongodrv.NewInsertOneModel().SetDocument(doc))
	}
	return b
}

// Update queues an update of the first document matching selector.
func (b *Bulk[T, P]) Update(selector Q, update bson.M) *Bulk[T, P] {
	if filter, ok := b.filter(selector); ok {
		b.ops = append(b.ops, mongodrv.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(wrapInSetOperator(update, now())))
	}
	return b
}

// UpdateAll queues an update of every document matching selector.
func (b *Bulk[T, P]) UpdateAll(selector Q, update bson.M) *Bulk[T, P] {
	if filter, ok := b.filter(selector); ok {
		b.ops = append(b.ops, mongodrv.NewUpdateManyModel().
			SetFilter(filter).
			SetUpdate(wrapInSetOperator(update, now())))
	}
	return b
}

// Upsert queues an update of the first document matching selector, inserting
// one when nothing matches.
func (b *Bulk[T, P]) Upsert(selector Q, update bson.M) *Bulk[T, P] {
	if filter, ok := b.filter(selector); ok {
		b.ops = append(b.ops, mongodrv.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(wrapInSetOperator(update, now())).
			SetUpsert(true))
	}
	return b
}

// Remove queues removal of one document per selector.
func (b *Bulk[T, P]) Remove(selectors ...Q) *Bulk[T, P] {
	for _, selector := range selectors {
		if filter, ok := b.filter(selector); ok {
			b.ops = append(b.ops, mongodrv.NewDeleteOneModel().SetFilter(filter))
		}
	}
	return b
}

// RemoveAll queues removal of every document matching each selector.
func (b *Bulk[T, P]) RemoveAll(selectors ...Q) *Bulk[T, P] {
	for _, selector := range selectors {
		if filter, ok := b.filter(selector); ok {
			b.ops = append(b.ops, mongodrv.NewDeleteManyModel().SetFilter(filter))
		}
	}
	return b
}

func (b *Bulk[T, P]) filter(selector Q) (bson.M, bool) {
	if b.err != nil {
		return nil, false
	}
	filter, err := Translate(selector)
	if err != nil {
		b.err = err
		return nil, false
	}
	return filter, true
}

// Run sends the queued operations. On a partial failure it returns the counts
// of what was applied together with an *Error wrapping a *BulkError.
func (b *Bulk[T, P]) Run(ctx context.Context) (*BulkResult, error) {
	c := b.coll
	if err := c.ready("bulk"); err != nil {
		return nil, err
	}
	if b.err != nil {
		b.restore(nil)
		return nil, c.done("bulk", b.err)
	}
	if len(b.ops) == 0 {
		return &BulkResult{}, nil
	}

	result, err := c.coll.BulkWrite(ctx, b.ops, options.BulkWrite().SetOrdered(b.ordered))
	if err != nil {
		var bwe mongodrv.BulkWriteException
		if !errors.As(err, &bwe) {
			b.restore(nil)
			return nil, c.done("bulk", err)
		}
		b.restore(writtenOps(bwe, b.ordered))
		return bulkResult(result), c.done("bulk", bulkError(err, bwe))
	}
	return bulkResult(result), c.done("bulk", nil)
}

// restore resets queued inserts that were not stored. A nil written means
// nothing was stored.
func (b *Bulk[T, P]) restore(written func(op int) bool) {
	for _, ins := range b.inserts {
		if written == nil || !written(ins.op) {
			*ins.doc.base() = ins.saved
		}
	}
}

// writtenOps reports which operations of a failed bulk write were applied.
// An ordered write stops at its first error; an unordered one skips only the
// failed operations.
func writtenOps(bwe mongodrv.BulkWriteException, ordered bool) func(op int) bool {
	failed := make(map[int]bool, len(bwe.WriteErrors))
	first := -1
	for _, we := range bwe.WriteErrors {
		failed[we.Index] = true
		if first < 0 || we.Index < first {
			first = we.Index
		}
	}
	return func(op int) bool {
		if ordered && first >= 0 {
			return op < first
		}
		return !failed[op]
	}
}

func bulkResult(result *mongodrv.BulkWriteResult) *BulkResult {
	if result == nil {
		return &BulkResult{}
	}
	return &BulkResult{
		Inserted: int(result.InsertedCount),
		Matched:  int(result.MatchedCount),
		Modified: int(result.ModifiedCount),
		Removed:  int(result.DeletedCount),
		Upserted: int(result.UpsertedCount),
	}
}

// bulkError classifies the driver exception before replacing it with the
// per-operation detail.
func bulkError(err error, bwe mongodrv.BulkWriteException) *Error {
	var cases []BulkErrorCase
	for _, we := range bwe.WriteErrors {
		cases = append(cases, BulkErrorCase{Index: we.Index, Code: we.Code, Message: we.Message})
	}
	if wce := bwe.WriteConcernError; wce != nil {
		cases = append(cases, BulkErrorCase{Index: -1, Code: wce.Code, Message: wce.Message})
	}
	detail := &BulkError{ecases: cases}
	return &Error{
		Kind:    classify(err),
		Op:      "bulk",
		Code:    serverCode(err),
		Message: detail.Error(),
		Err:     detail,
	}
}
