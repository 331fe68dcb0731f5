// collection.go - Per-model CRUD operations and model registration

package odm

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/tevino/abool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection exposes the operations of one model type T. Obtain it from
// Register or For; a zero Collection reports ErrNotInitialized.
type Collection[T any, P docPtr[T]] struct {
	coll        *mongodrv.Collection
	client      *Client
	meta        Metadata
	initialized *abool.AtomicBool
}

// Option customizes Register.
type Option func(*registerOptions)

type registerOptions struct {
	cfg     *Config
	manager *Manager
}

// WithConfig uses cfg instead of the environment.
func WithConfig(cfg Config) Option {
	return func(o *registerOptions) { o.cfg = &cfg }
}

// WithManager uses m instead of DefaultManager.
func WithManager(m *Manager) Option {
	return func(o *registerOptions) { o.manager = m }
}

var (
	registryLock sync.RWMutex
	registry     = map[reflect.Type]interface{}{}
)

// Register initializes model T: it connects (reusing the client of an equal
// configuration), creates the declared indexes unless disabled, and records
// the collection for For.
func Register[T any, P docPtr[T]](ctx context.Context, opts ...Option) (*Collection[T, P], error) {
	o := registerOptions{manager: DefaultManager}
	for _, opt := range opts {
		opt(&o)
	}

	var cfg Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		loaded, err := LoadConfig()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	client, err := o.manager.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := bind[T, P](client)
	if c.meta.AutoIndex {
		if err := c.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
	}

	registryLock.Lock()
	registry[modelType[T]()] = c
	registryLock.Unlock()

	log().Info("model registered", "model", modelType[T]().String(), "collection", c.meta.Collection)
	return c, nil
}

// For returns the collection registered for T.
func For[T any, P docPtr[T]]() (*Collection[T, P], error) {
	registryLock.RLock()
	entry, ok := registry[modelType[T]()]
	registryLock.RUnlock()
	if !ok {
		return nil, newError(ErrNotInitialized, "lookup", modelType[T]().String()+" is not registered")
	}
	c, ok := entry.(*Collection[T, P])
	if !ok {
		return nil, newError(ErrNotInitialized, "lookup", fmt.Sprintf("%s registered as %T", modelType[T](), entry))
	}
	return c, nil
}

// bind builds the collection of T on client without touching the server.
func bind[T any, P docPtr[T]](client *Client) *Collection[T, P] {
	meta := resolveMetadata(modelType[T](), P(new(T)))
	return &Collection[T, P]{
		coll:        client.Collection(meta.Collection),
		client:      client,
		meta:        meta,
		initialized: abool.NewBool(true),
	}
}

func modelType[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Metadata returns the resolved model metadata.
func (c *Collection[T, P]) Metadata() Metadata {
	md := c.meta
	md.Indexes = append([]IndexSpec(nil), c.meta.Indexes...)
	return md
}

// Name returns the collection name.
func (c *Collection[T, P]) Name() string {
	return c.meta.Collection
}

// Client returns the client the collection is bound to.
func (c *Collection[T, P]) Client() *Client {
	return c.client
}

// Raw exposes the underlying driver collection.
func (c *Collection[T, P]) Raw() *mongodrv.Collection {
	return c.coll
}

func (c *Collection[T, P]) ready(op string) error {
	if c == nil || c.initialized == nil || !c.initialized.IsSet() {
		return newError(ErrNotInitialized, op, "collection used before Register")
	}
	return nil
}

// done records the outcome of op and re-wraps driver errors.
func (c *Collection[T, P]) done(op string, err error) error {
	err = wrapError(op, err)
	observe(c.meta.Collection, op, err)
	if err != nil {
		log().Warn("operation failed", "collection", c.meta.Collection, "op", op, "error", err)
	} else {
		log().Debug("operation", "collection", c.meta.Collection, "op", op)
	}
	return err
}

// ------------------------------ reads ------------------------------

// Get returns the first document matching q, or nil when none matches.
func (c *Collection[T, P]) Get(ctx context.Context, q Q) (P, error) {
	if err := c.ready("get"); err != nil {
		return nil, err
	}
	filter, err := Translate(q)
	if err != nil {
		return nil, c.done("get", err)
	}
	return c.findOne(ctx, "get", filter)
}

// GetByID returns the document with the given identity, or nil. Hex strings
// are converted to ObjectIDs.
func (c *Collection[T, P]) GetByID(ctx context.Context, id interface{}) (P, error) {
	if err := c.ready("get_by_id"); err != nil {
		return nil, err
	}
	return c.findOne(ctx, "get_by_id", bson.M{fieldID: normalizeID(id)})
}

func (c *Collection[T, P]) findOne(ctx context.Context, op string, filter bson.M) (P, error) {
	doc := P(new(T))
	err := c.coll.FindOne(ctx, filter).Decode(doc)
	if err == mongodrv.ErrNoDocuments {
		observe(c.meta.Collection, op, nil)
		return nil, nil
	}
	if err != nil {
		return nil, c.done(op, err)
	}
	return doc, c.done(op, nil)
}

// Filter starts a query over the documents matching q.
func (c *Collection[T, P]) Filter(q Q) *Query[T, P] {
	return &Query[T, P]{coll: c, filter: q}
}

// All starts a query over every document.
func (c *Collection[T, P]) All() *Query[T, P] {
	return c.Filter(nil)
}

// Count returns the number of documents matching q.
func (c *Collection[T, P]) Count(ctx context.Context, q Q) (int64, error) {
	return c.Filter(q).Count(ctx)
}

// Distinct returns the distinct values of field among documents matching q.
func (c *Collection[T, P]) Distinct(ctx context.Context, field string, q Q) ([]interface{}, error) {
	if err := c.ready("distinct"); err != nil {
		return nil, err
	}
	filter, err := Translate(q)
	if err != nil {
		return nil, c.done("distinct", err)
	}
	values, err := c.coll.Distinct(ctx, field, filter)
	if err != nil {
		return nil, c.done("distinct", err)
	}
	return values, c.done("distinct", nil)
}

// Reload replaces doc with its stored version. A document deleted in the
// meantime yields ErrNotFound.
func (c *Collection[T, P]) Reload(ctx context.Context, doc P) error {
	if err := c.ready("reload"); err != nil {
		return err
	}
	if doc.base().IsNew() {
		return newError(ErrNotFound, "reload", "document has no identity")
	}
	fresh := P(new(T))
	if err := c.coll.FindOne(ctx, bson.M{fieldID: doc.base().ID}).Decode(fresh); err != nil {
		return c.done("reload", err)
	}
	*doc = *fresh
	return c.done("reload", nil)
}

// ------------------------------ writes ------------------------------

// Create validates doc, assigns its identity and timestamps and inserts it.
// On failure doc is left as it was.
func (c *Collection[T, P]) Create(ctx context.Context, doc P) error {
	if err := c.ready("create"); err != nil {
		return err
	}
	if err := validateDocument("create", doc); err != nil {
		return c.done("create", err)
	}

	saved := *doc.base()
	doc.base().stamp(now())
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		*doc.base() = saved
		return c.done("create", err)
	}
	return c.done("create", nil)
}

// CreateFrom builds a document from stored field names and creates it.
func (c *Collection[T, P]) CreateFrom(ctx context.Context, fields map[string]interface{}) (P, error) {
	if err := c.ready("create"); err != nil {
		return nil, err
	}
	doc := P(new(T))
	if err := decodeFields("create", fields, doc); err != nil {
		return nil, c.done("create", err)
	}
	if err := c.Create(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// BulkCreate validates every document, then inserts them in order. When the
// write stops early, the documents that were not stored are restored.
func (c *Collection[T, P]) BulkCreate(ctx context.Context, docs []P) error {
	if err := c.ready("bulk_create"); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	for i, doc := range docs {
		if err := validateDocument(fmt.Sprintf("bulk_create[%d]", i), doc); err != nil {
			return c.done("bulk_create", err)
		}
	}

	at := now()
	saved := make([]Model, len(docs))
	payload := make([]interface{}, len(docs))
	for i, doc := range docs {
		saved[i] = *doc.base()
		doc.base().stamp(at)
		payload[i] = doc
	}

	if _, err := c.coll.InsertMany(ctx, payload, options.InsertMany().SetOrdered(true)); err != nil {
		failed := 0
		var bwe mongodrv.BulkWriteException
		if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
			failed = bwe.WriteErrors[0].Index
		}
		for i := failed; i < len(docs); i++ {
			*docs[i].base() = saved[i]
		}
		return c.done("bulk_create", err)
	}
	return c.done("bulk_create", nil)
}

// BulkCreateFrom decodes every map into a document and bulk-creates them.
func (c *Collection[T, P]) BulkCreateFrom(ctx context.Context, rows []map[string]interface{}) ([]P, error) {
	if err := c.ready("bulk_create"); err != nil {
		return nil, err
	}
	docs := make([]P, len(rows))
	for i, fields := range rows {
		docs[i] = P(new(T))
		if err := decodeFields(fmt.Sprintf("bulk_create[%d]", i), fields, docs[i]); err != nil {
			return nil, c.done("bulk_create", err)
		}
	}
	if err := c.BulkCreate(ctx, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// Save validates doc, refreshes its update time and writes it by identity,
// inserting it when absent. The identity never changes once assigned.
func (c *Collection[T, P]) Save(ctx context.Context, doc P) error {
	if err := c.ready("save"); err != nil {
		return err
	}
	if err := validateDocument("save", doc); err != nil {
		return c.done("save", err)
	}

	saved := *doc.base()
	doc.base().stamp(now())
	opts := options.Replace().SetUpsert(true)
	if _, err := c.coll.ReplaceOne(ctx, bson.M{fieldID: doc.base().ID}, doc, opts); err != nil {
		*doc.base() = saved
		return c.done("save", err)
	}
	return c.done("save", nil)
}

// UpdateMany applies update to every document matching q and refreshes their
// update time. A plain map is applied as $set. Updates bypass validation.
func (c *Collection[T, P]) UpdateMany(ctx context.Context, q Q, update bson.M) (*ChangeInfo, error) {
	if err := c.ready("update_many"); err != nil {
		return nil, err
	}
	filter, err := Translate(q)
	if err != nil {
		return nil, c.done("update_many", err)
	}

	result, err := c.coll.UpdateMany(ctx, filter, wrapInSetOperator(update, now()))
	if err != nil {
		return nil, c.done("update_many", err)
	}
	return &ChangeInfo{
		Updated:    int(result.ModifiedCount),
		Matched:    int(result.MatchedCount),
		UpsertedID: result.UpsertedID,
	}, c.done("update_many", nil)
}

// Delete removes doc by identity and returns the number removed (0 or 1).
func (c *Collection[T, P]) Delete(ctx context.Context, doc P) (int64, error) {
	if err := c.ready("delete"); err != nil {
		return 0, err
	}
	if doc.base().IsNew() {
		return 0, nil
	}
	result, err := c.coll.DeleteOne(ctx, bson.M{fieldID: doc.base().ID})
	if err != nil {
		return 0, c.done("delete", err)
	}
	return result.DeletedCount, c.done("delete", nil)
}

// DeleteOne removes the first document matching q.
func (c *Collection[T, P]) DeleteOne(ctx context.Context, q Q) (int64, error) {
	return c.delete(ctx, "delete_one", q, false)
}

// DeleteMany removes every document matching q. A nil q removes all.
func (c *Collection[T, P]) DeleteMany(ctx context.Context, q Q) (int64, error) {
	return c.delete(ctx, "delete_many", q, true)
}

func (c *Collection[T, P]) delete(ctx context.Context, op string, q Q, many bool) (int64, error) {
	if err := c.ready(op); err != nil {
		return 0, err
	}
	filter, err := Translate(q)
	if err != nil {
		return 0, c.done(op, err)
	}

	var result *mongodrv.DeleteResult
	if many {
		result, err = c.coll.DeleteMany(ctx, filter)
	} else {
		result, err = c.coll.DeleteOne(ctx, filter)
	}
	if err != nil {
		return 0, c.done(op, err)
	}
	return result.DeletedCount, c.done(op, nil)
}

// ---------------------------- aggregation ----------------------------

// Aggregate runs pipeline unmodified and returns the raw result documents.
func (c *Collection[T, P]) Aggregate(ctx context.Context, pipeline interface{}) ([]bson.M, error) {
	return c.Pipe(pipeline).All(ctx)
}

// normalizeID converts ObjectID hex strings; any other value is used as is.
func normalizeID(id interface{}) interface{} {
	if s, ok := id.(string); ok {
		if oid, err := primitive.ObjectIDFromHex(s); err == nil {
			return oid
		}
	}
	return id
}
