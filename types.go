// types.go - Shared value types: index specs, collation, change and bulk results

package odm

import (
	"bytes"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// -------------------------- Index & Collation --------------------------

// IndexSpec declares an index on a model's collection.
type IndexSpec struct {
	Key           []string // Index key specification ("field" or "-field" for desc)
	Unique        bool     // Enforce uniqueness
	Sparse        bool     // Only index documents containing the key
	PartialFilter bson.M   // Partial index filter expression

	// TTL index: documents older than ExpireAfter will be automatically removed.
	ExpireAfter time.Duration

	// Name explicitly sets the index name; if empty the server auto-generates it.
	Name string

	// Collation to use for string comparison rules.
	Collation *Collation
}

// Collation specifies language-specific rules for string comparison.
type Collation struct {
	Locale          string `bson:"locale"`
	CaseFirst       string `bson:"caseFirst,omitempty"`
	Strength        int    `bson:"strength,omitempty"`
	Alternate       string `bson:"alternate,omitempty"`
	MaxVariable     string `bson:"maxVariable,omitempty"`
	Normalization   bool   `bson:"normalization,omitempty"`
	CaseLevel       bool   `bson:"caseLevel,omitempty"`
	NumericOrdering bool   `bson:"numericOrdering,omitempty"`
	Backwards       bool   `bson:"backwards,omitempty"`
}

func (c *Collation) options() *options.Collation {
	if c == nil {
		return nil
	}
	return &options.Collation{
		Locale:          c.Locale,
		CaseFirst:       c.CaseFirst,
		Strength:        c.Strength,
		Alternate:       c.Alternate,
		MaxVariable:     c.MaxVariable,
		Normalization:   c.Normalization,
		CaseLevel:       c.CaseLevel,
		NumericOrdering: c.NumericOrdering,
		Backwards:       c.Backwards,
	}
}

// --------------------------- ChangeInfo ---------------------------

// ChangeInfo captures the outcome of multi-document updates.
type ChangeInfo struct {
	Updated    int         // Number of existing documents modified
	Matched    int         // Number of documents matched (may differ from Updated)
	UpsertedID interface{} // _id of an upserted document
}

// ----------------------- Bulk operation results -----------------------

// BulkResult reports the counts of a bulk write.
type BulkResult struct {
	Inserted int
	Matched  int
	Modified int
	Removed  int
	Upserted int
}

// BulkErrorCase stores the error and the index (position) within a bulk
// operation that generated it.
type BulkErrorCase struct {
	Index   int // Position of the failed operation (-1 if unknown)
	Code    int
	Message string
}

// BulkError aggregates the per-operation failures of a bulk write.
type BulkError struct {
	ecases []BulkErrorCase
}

// Error produces a human-readable summary of one or multiple bulk errors.
func (e *BulkError) Error() string {
	if len(e.ecases) == 0 {
		return "invalid BulkError instance: no errors"
	}
	if len(e.ecases) == 1 {
		return e.ecases[0].Message
	}
	var buf bytes.Buffer
	buf.WriteString("multiple errors in bulk operation:\n")
	seen := make(map[string]bool, len(e.ecases))
	for _, c := range e.ecases {
		if !seen[c.Message] {
			seen[c.Message] = true
			buf.WriteString("  - ")
			buf.WriteString(c.Message)
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// Cases exposes the individual error cases contained in the BulkError.
func (e *BulkError) Cases() []BulkErrorCase {
	return e.ecases
}

// --------------------------- BuildInfo ---------------------------

// BuildInfo holds server build details returned by the buildInfo command.
type BuildInfo struct {
	Version       string `bson:"version"`
	VersionArray  []int  `bson:"versionArray"`
	GitVersion    string `bson:"gitVersion"`
	SysInfo       string `bson:"sysInfo"`
	Bits          int    `bson:"bits"`
	Debug         bool   `bson:"debug"`
	MaxObjectSize int    `bson:"maxBsonObjectSize"`
}

// VersionAtLeast reports whether the server version is greater than or equal
// to the supplied version tuple.
func (bi *BuildInfo) VersionAtLeast(version ...int) bool {
	for i, v := range version {
		if i >= len(bi.VersionArray) {
			return false
		}
		if bi.VersionArray[i] > v {
			return true
		}
		if bi.VersionArray[i] < v {
			return false
		}
	}
	return true
}

// ---------------------- update helpers ----------------------

// hasUpdateOperators returns true if the provided document already contains a
// top-level MongoDB update operator (keys starting with "$").
func hasUpdateOperators(doc bson.M) bool {
	for k := range doc {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// wrapInSetOperator ensures plain documents are converted into a $set update
// and stamps updated_at inside the $set stage.
func wrapInSetOperator(doc bson.M, now time.Time) bson.M {
	update := bson.M{}
	if hasUpdateOperators(doc) {
		for k, v := range doc {
			update[k] = v
		}
	} else {
		update["$set"] = doc
	}

	set := bson.M{}
	switch existing := update["$set"].(type) {
	case bson.M:
		for k, v := range existing {
			set[k] = v
		}
	case map[string]interface{}:
		for k, v := range existing {
			set[k] = v
		}
	case Q:
		for k, v := range existing {
			set[k] = v
		}
	}
	set[fieldUpdatedAt] = now
	update["$set"] = set
	return update
}
