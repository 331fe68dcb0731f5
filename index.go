// index.go - Declarative index management

package odm

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates every index declared in the model metadata. Creating
// an index that already exists with the same options is a no-op; one that
// exists with different options fails with ErrIndexConflict.
func (c *Collection[T, P]) EnsureIndexes(ctx context.Context) error {
	if err := c.ready("ensure_indexes"); err != nil {
		return err
	}
	for _, spec := range c.meta.Indexes {
		if _, err := c.CreateIndex(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// CreateIndex creates one index and returns its name.
func (c *Collection[T, P]) CreateIndex(ctx context.Context, spec IndexSpec) (string, error) {
	if err := c.ready("create_index"); err != nil {
		return "", err
	}
	if len(spec.Key) == 0 {
		return "", c.done("create_index", newError(ErrValidation, "create_index", "index has no key"))
	}

	name, err := c.coll.Indexes().CreateOne(ctx, indexModel(spec))
	if err != nil {
		return "", c.done("create_index", err)
	}
	log().Info("index ensured", "collection", c.meta.Collection, "index", name)
	return name, c.done("create_index", nil)
}

// ListIndexes returns a list of all indexes for the collection.
func (c *Collection[T, P]) ListIndexes(ctx context.Context) ([]IndexSpec, error) {
	if err := c.ready("list_indexes"); err != nil {
		return nil, err
	}

	cursor, err := c.coll.Indexes().List(ctx)
	if err != nil {
		return nil, c.done("list_indexes", err)
	}
	defer cursor.Close(ctx)

	var indexes []IndexSpec
	for cursor.Next(ctx) {
		var raw indexDocument
		if err := cursor.Decode(&raw); err != nil {
			return nil, c.done("list_indexes", err)
		}
		indexes = append(indexes, raw.spec())
	}
	return indexes, c.done("list_indexes", cursor.Err())
}

// DropIndex drops the named index.
func (c *Collection[T, P]) DropIndex(ctx context.Context, name string) error {
	if err := c.ready("drop_index"); err != nil {
		return err
	}
	_, err := c.coll.Indexes().DropOne(ctx, name)
	return c.done("drop_index", err)
}

// indexModel converts a spec; bson.D keeps the key order.
func indexModel(spec IndexSpec) mongodrv.IndexModel {
	var keys bson.D
	for _, key := range spec.Key {
		order := 1
		fieldName := key
		if strings.HasPrefix(key, "-") {
			order = -1
			fieldName = key[1:]
		}
		keys = append(keys, bson.E{Key: fieldName, Value: order})
	}

	opts := options.Index()
	if spec.Unique {
		opts.SetUnique(true)
	}
	if spec.Sparse {
		opts.SetSparse(true)
	}
	// Only set the name if explicitly provided, otherwise let MongoDB auto-generate it
	if spec.Name != "" {
		opts.SetName(spec.Name)
	}
	if spec.ExpireAfter > 0 {
		opts.SetExpireAfterSeconds(int32(spec.ExpireAfter.Seconds()))
	}
	if len(spec.PartialFilter) > 0 {
		opts.SetPartialFilterExpression(spec.PartialFilter)
	}
	if spec.Collation != nil {
		opts.SetCollation(spec.Collation.options())
	}

	return mongodrv.IndexModel{Keys: keys, Options: opts}
}

// indexDocument is one entry of listIndexes.
type indexDocument struct {
	Name               string `bson:"name"`
	Key                bson.D `bson:"key"`
	Unique             bool   `bson:"unique"`
	Sparse             bool   `bson:"sparse"`
	ExpireAfterSeconds *int32 `bson:"expireAfterSeconds"`
	PartialFilter      bson.M `bson:"partialFilterExpression"`
}

func (d indexDocument) spec() IndexSpec {
	spec := IndexSpec{
		Name:          d.Name,
		Unique:        d.Unique,
		Sparse:        d.Sparse,
		PartialFilter: d.PartialFilter,
	}
	for _, elem := range d.Key {
		prefix := ""
		if isDescending(elem.Value) {
			prefix = "-"
		}
		spec.Key = append(spec.Key, prefix+elem.Key)
	}
	if d.ExpireAfterSeconds != nil {
		spec.ExpireAfter = time.Duration(*d.ExpireAfterSeconds) * time.Second
	}
	return spec
}

func isDescending(v interface{}) bool {
	switch n := v.(type) {
	case int32:
		return n < 0
	case int64:
		return n < 0
	case float64:
		return n < 0
	}
	return false
}
