// query.go - Translation of keyword filters (age__gte=18) into driver filter documents

package odm

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Q is a keyword-style filter. A key is a field path optionally followed by
// "__" and an operator suffix:
//
//	odm.Q{"age__gte": 18, "name__in": []string{"Ann", "Bob"}}
//
// Keys starting with "$" are passed through; $and, $or and $nor accept []Q.
type Q map[string]interface{}

const operatorSeparator = "__"

// operators maps recognized suffixes to their driver operator.
var operators = map[string]string{
	"eq":     "$eq",
	"ne":     "$ne",
	"gt":     "$gt",
	"gte":    "$gte",
	"lt":     "$lt",
	"lte":    "$lte",
	"in":     "$in",
	"nin":    "$nin",
	"regex":  "$regex",
	"exists": "$exists",
	"size":   "$size",
}

// Translate converts q to the driver's filter representation. Unknown
// operator suffixes fail with ErrInvalidQuery.
func Translate(q Q) (bson.M, error) {
	filter := bson.M{}
	// equality per field, kept apart so conflicts with operators are detected
	equal := map[string]interface{}{}
	ops := map[string]bson.M{}

	for _, key := range sortedKeys(q) {
		value := q[key]

		if strings.HasPrefix(key, "$") {
			translated, err := translateLogical(key, value)
			if err != nil {
				return nil, err
			}
			filter[key] = translated
			continue
		}

		field, op, err := splitKey(key)
		if err != nil {
			return nil, err
		}

		if op == "" || op == "eq" {
			if _, dup := equal[field]; dup {
				return nil, invalidQuery("field %q has more than one equality condition", field)
			}
			equal[field] = value
			continue
		}

		value, err = operand(op, field, value)
		if err != nil {
			return nil, err
		}
		if ops[field] == nil {
			ops[field] = bson.M{}
		}
		ops[field][operators[op]] = value
	}

	for field, value := range equal {
		if _, conflict := ops[field]; conflict {
			return nil, invalidQuery("field %q mixes equality with operators", field)
		}
		filter[field] = value
	}
	for field, cond := range ops {
		filter[field] = cond
	}
	return filter, nil
}

// MustTranslate is like Translate but panics on error. Intended for static
// filters.
func MustTranslate(q Q) bson.M {
	filter, err := Translate(q)
	if err != nil {
		panic(err)
	}
	return filter
}

func splitKey(key string) (field, op string, err error) {
	i := strings.LastIndex(key, operatorSeparator)
	if i < 0 {
		return key, "", nil
	}
	field, op = key[:i], key[i+len(operatorSeparator):]
	if field == "" {
		return "", "", invalidQuery("key %q has no field name", key)
	}
	if _, ok := operators[op]; !ok {
		return "", "", invalidQuery("unknown operator %q in key %q", op, key)
	}
	return field, op, nil
}

// operand checks the value shape each operator requires.
func operand(op, field string, value interface{}) (interface{}, error) {
	switch op {
	case "in", "nin":
		rv := reflect.ValueOf(value)
		if value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return nil, invalidQuery("%s__%s needs a slice, got %T", field, op, value)
		}
		if _, isBytes := value.([]byte); isBytes {
			return nil, invalidQuery("%s__%s needs a slice of values, got []byte", field, op)
		}
	case "regex":
		switch value.(type) {
		case string:
		case primitive.Regex:
			// {$regex: /pattern/opts} is accepted by the server as is
		default:
			return nil, invalidQuery("%s__regex needs a string or primitive.Regex, got %T", field, value)
		}
	case "exists":
		if _, ok := value.(bool); !ok {
			return nil, invalidQuery("%s__exists needs a bool, got %T", field, value)
		}
	case "size":
		rv := reflect.ValueOf(value)
		if !rv.CanInt() && !rv.CanUint() {
			return nil, invalidQuery("%s__size needs an integer, got %T", field, value)
		}
	}
	return value, nil
}

func translateLogical(key string, value interface{}) (interface{}, error) {
	switch key {
	case "$and", "$or", "$nor":
	default:
		return value, nil
	}

	rv := reflect.ValueOf(value)
	if value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, invalidQuery("%s needs a list of clauses, got %T", key, value)
	}
	if _, isDoc := value.(bson.D); isDoc {
		return nil, invalidQuery("%s needs a list of clauses, got bson.D", key)
	}

	out := bson.A{}
	for i := 0; i < rv.Len(); i++ {
		clause, ok := clauseOf(rv.Index(i).Interface())
		if !ok {
			return nil, invalidQuery("%s clause %d must be a document, got %T", key, i, rv.Index(i).Interface())
		}
		translated, err := Translate(clause)
		if err != nil {
			return nil, err
		}
		out = append(out, translated)
	}
	return out, nil
}

// clauseOf accepts the map-like shapes a logical clause may take.
func clauseOf(v interface{}) (Q, bool) {
	switch c := v.(type) {
	case Q:
		return c, true
	case bson.M:
		return Q(c), true
	case map[string]interface{}:
		return Q(c), true
	case bson.D:
		q := make(Q, len(c))
		for _, e := range c {
			q[e.Key] = e.Value
		}
		return q, true
	}
	return nil, false
}

func invalidQuery(format string, args ...interface{}) error {
	return newError(ErrInvalidQuery, "translate query", fmt.Sprintf(format, args...))
}

func sortedKeys(q Q) []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sortDocument builds a driver sort document; "-field" sorts descending.
func sortDocument(fields ...string) bson.D {
	var doc bson.D
	for _, field := range fields {
		order := 1
		if strings.HasPrefix(field, "-") {
			order = -1
			field = field[1:]
		}
		doc = append(doc, bson.E{Key: field, Value: order})
	}
	return doc
}

// projectionDocument builds a projection; "-field" excludes the field.
func projectionDocument(fields ...string) bson.D {
	var projection bson.D
	for _, field := range fields {
		include := 1
		if strings.HasPrefix(field, "-") {
			include = 0
			field = field[1:]
		}
		projection = append(projection, bson.E{Key: field, Value: include})
	}
	return projection
}
