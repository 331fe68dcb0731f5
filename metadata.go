// metadata.go - Per-model metadata: collection name, auto-index flag, index declarations

package odm

import (
	"reflect"
	"regexp"
	"strings"
)

// Meta is returned by a model's optional Meta method to override defaults.
//
//	func (User) Meta() odm.Meta {
//	    return odm.Meta{Collection: "users", Indexes: []odm.IndexSpec{{Key: []string{"email"}, Unique: true}}}
//	}
type Meta struct {
	Collection  string      // Overrides the snake_case type name
	NoAutoIndex bool        // Skip index creation at Register
	Indexes     []IndexSpec // Indexes applied at Register
}

// MetaProvider is implemented by models that declare Meta.
type MetaProvider interface {
	Meta() Meta
}

// Metadata is the resolved, read-only description of a model type.
type Metadata struct {
	Collection string
	AutoIndex  bool
	Indexes    []IndexSpec
	IDField    string
}

var (
	snakeFirst  = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	snakeSecond = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// CollectionName converts a Go type name to its default collection name:
// BlogPost becomes blog_post, APIKey becomes api_key.
func CollectionName(typeName string) string {
	if i := strings.IndexByte(typeName, '['); i >= 0 {
		typeName = typeName[:i]
	}
	s := snakeFirst.ReplaceAllString(typeName, "${1}_${2}")
	return strings.ToLower(snakeSecond.ReplaceAllString(s, "${1}_${2}"))
}

func resolveMetadata(t reflect.Type, doc interface{}) Metadata {
	md := Metadata{
		Collection: CollectionName(t.Name()),
		AutoIndex:  true,
		IDField:    fieldID,
	}
	if p, ok := doc.(MetaProvider); ok {
		meta := p.Meta()
		if meta.Collection != "" {
			md.Collection = meta.Collection
		}
		md.AutoIndex = !meta.NoAutoIndex
		md.Indexes = append([]IndexSpec(nil), meta.Indexes...)
	}
	return md
}
