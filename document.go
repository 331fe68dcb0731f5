// document.go - Embeddable document base: identity, timestamps and validation

package odm

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Stored field names of the base document.
const (
	fieldID        = "_id"
	fieldCreatedAt = "created_at"
	fieldUpdatedAt = "updated_at"
)

// Model is the base every document type embeds:
//
//	type User struct {
//	    odm.Model `bson:",inline"`
//	    Name  string `bson:"name" validate:"required"`
//	    Email string `bson:"email" validate:"required,email"`
//	}
type Model struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// Document is satisfied by any pointer to a struct embedding Model.
type Document interface {
	base() *Model
}

func (m *Model) base() *Model { return m }

// IsNew reports whether the document has never been written.
func (m *Model) IsNew() bool {
	return m.ID.IsZero()
}

// docPtr constrains P to *T where *T embeds Model.
type docPtr[T any] interface {
	*T
	Document
}

// Validator is implemented by models with checks beyond struct tags. It runs
// after tag validation.
type Validator interface {
	Validate() error
}

// now is replaceable in tests.
var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// stamp assigns the identity on first write, sets the creation time once and
// refreshes the update time without ever moving it backwards.
func (m *Model) stamp(at time.Time) {
	if m.ID.IsZero() {
		m.ID = primitive.NewObjectID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = at
	}
	if at.Before(m.UpdatedAt) {
		at = m.UpdatedAt
	}
	m.UpdatedAt = at
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("bson"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})
	})
	return validate
}

// validateDocument runs tag validation and the optional Validate method.
func validateDocument(op string, doc interface{}) error {
	if err := structValidator().Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("field %q failed %q validation", fieldPath(fe), fe.Tag()))
			}
			return &Error{Kind: ErrValidation, Op: op, Message: strings.Join(msgs, "; "), Err: err}
		}
		return &Error{Kind: ErrValidation, Op: op, Message: err.Error(), Err: err}
	}
	if v, ok := doc.(Validator); ok {
		if err := v.Validate(); err != nil {
			return &Error{Kind: ErrValidation, Op: op, Message: err.Error(), Err: err}
		}
	}
	return nil
}

// fieldPath drops the leading struct name from a namespace such as
// User.profile.color.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// decodeFields fills target from a map keyed by stored field names. Unknown
// keys are rejected.
func decodeFields(op string, fields map[string]interface{}, target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "bson",
		Squash:      true,
		ErrorUnused: true,
		Result:      target,
	})
	if err != nil {
		return &Error{Kind: ErrValidation, Op: op, Message: err.Error(), Err: err}
	}
	if err := dec.Decode(fields); err != nil {
		return &Error{Kind: ErrValidation, Op: op, Message: err.Error(), Err: err}
	}
	return nil
}
