// Package signaling provides the document stores that carry call negotiation
// between two peers.
package signaling

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
)

var (
	// ErrStoreUnavailable is wrapped by every error caused by failing to reach the backend.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when updating a document that does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned when creating a document whose id is taken.
	ErrAlreadyExists = errors.New("document already exists")
)

// OnChange receives the full contents of a document after a write.
type OnChange func(fields map[string]interface{})

// A Store holds documents keyed by collection and id and notifies subscribers of writes.
type Store interface {
	// Create writes a new document. It fails with ErrAlreadyExists if id is taken.
	Create(ctx context.Context, collection, id string, fields map[string]interface{}) error

	// ReadOnce returns the current contents of a document.
	ReadOnce(ctx context.Context, collection, id string) (map[string]interface{}, bool, error)

	// Update sets the given top-level fields when merge is true and replaces the document
	// otherwise. It fails with ErrNotFound if the document does not exist.
	Update(ctx context.Context, collection, id string, fields map[string]interface{}, merge bool) error

	// UpdateIf merges fields into a document only if it satisfies guard, as one atomic
	// step. It reports false without writing when the guard does not hold and fails
	// with ErrNotFound if the document does not exist.
	UpdateIf(ctx context.Context, collection, id string, fields map[string]interface{}, guard Guard) (bool, error)

	// Delete removes a document. Removing a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Subscribe delivers the current document, if any, and then every later write to it
	// in order, at least once. Deletes are not delivered. The returned function stops
	// delivery; it is idempotent, never blocks, and may be called from onChange.
	Subscribe(ctx context.Context, collection, id string, onChange OnChange) (func(), error)

	// Close stops all deliveries and waits for them to finish.
	Close() error
}

// A Guard is the condition of a conditional update.
type Guard struct {
	// Absent lists fields that must be unset or null.
	Absent []string
	// NotEqual maps fields to values they must not hold.
	NotEqual map[string]interface{}
}

// matches reports whether doc satisfies the guard.
func (g Guard) matches(doc map[string]interface{}) bool {
	for _, field := range g.Absent {
		if v, ok := doc[field]; ok && v != nil {
			return false
		}
	}
	for field, value := range g.NotEqual {
		if v, ok := doc[field]; ok && reflect.DeepEqual(v, value) {
			return false
		}
	}
	return true
}

func unavailable(op string, err error) error {
	return errors.Wrapf(ErrStoreUnavailable, "%s: %v", op, err)
}

// CopyFields returns a deep copy of fields. Maps and slices are copied recursively and
// every other value is copied as is.
func CopyFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyFields(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = copyValue(elem)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = CopyFields(elem)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = elem
		}
		return out
	default:
		return val
	}
}
