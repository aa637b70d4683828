package signaling

import (
	"context"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) (Store, string, func()) {
		store := NewMemoryStore(golog.NewTestLogger(t))
		return store, "calls", func() {
			test.That(t, store.Close(), test.ShouldBeNil)
		}
	})
}

func TestMemoryStoreDuplicateDelivery(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t), WithDuplicateDelivery())
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()

	test.That(t, store.Create(context.Background(), "calls", "a", map[string]interface{}{"n": 0}), test.ShouldBeNil)
	onChange, changes := changeCollector()
	unsubscribe, err := store.Subscribe(context.Background(), "calls", "a", onChange)
	test.That(t, err, test.ShouldBeNil)
	defer unsubscribe()

	test.That(t, nextChange(t, changes)["n"], test.ShouldEqual, 0)
	test.That(t, nextChange(t, changes)["n"], test.ShouldEqual, 0)
	test.That(t, store.Update(context.Background(), "calls", "a", map[string]interface{}{"n": 1}, true), test.ShouldBeNil)
	test.That(t, nextChange(t, changes)["n"], test.ShouldEqual, 1)
	test.That(t, nextChange(t, changes)["n"], test.ShouldEqual, 1)
	expectNoChange(t, changes)
}

func TestMemoryStoreUnavailable(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	test.That(t, store.Create(context.Background(), "calls", "a", map[string]interface{}{"n": 0}), test.ShouldBeNil)

	store.SetUnavailable(true)
	err := store.Update(context.Background(), "calls", "a", map[string]interface{}{"n": 1}, true)
	test.That(t, errors.Is(err, ErrStoreUnavailable), test.ShouldBeTrue)
	_, _, err = store.ReadOnce(context.Background(), "calls", "a")
	test.That(t, errors.Is(err, ErrStoreUnavailable), test.ShouldBeTrue)
	_, err = store.UpdateIf(context.Background(), "calls", "a", map[string]interface{}{"n": 1}, Guard{})
	test.That(t, errors.Is(err, ErrStoreUnavailable), test.ShouldBeTrue)
	_, err = store.Subscribe(context.Background(), "calls", "a", func(map[string]interface{}) {})
	test.That(t, errors.Is(err, ErrStoreUnavailable), test.ShouldBeTrue)

	store.SetUnavailable(false)
	fields, found, err := store.ReadOnce(context.Background(), "calls", "a")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, fields["n"], test.ShouldEqual, 0)

	test.That(t, store.Close(), test.ShouldBeNil)
	err = store.Delete(context.Background(), "calls", "a")
	test.That(t, errors.Is(err, ErrStoreUnavailable), test.ShouldBeTrue)
}

func TestMemoryStoreCopiesFields(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()

	list := []interface{}{map[string]interface{}{"candidate": "c1"}}
	test.That(t, store.Create(context.Background(), "calls", "a", map[string]interface{}{"list": list}), test.ShouldBeNil)
	list[0].(map[string]interface{})["candidate"] = "mutated"

	fields, _, err := store.ReadOnce(context.Background(), "calls", "a")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fields["list"], test.ShouldResemble, []interface{}{map[string]interface{}{"candidate": "c1"}})

	fields["list"].([]interface{})[0].(map[string]interface{})["candidate"] = "mutated"
	fields, _, err = store.ReadOnce(context.Background(), "calls", "a")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fields["list"], test.ShouldResemble, []interface{}{map[string]interface{}{"candidate": "c1"}})
}

func TestMemoryStoreWriteHook(t *testing.T) {
	var mu sync.Mutex
	var writes []Write
	store := NewMemoryStore(golog.NewTestLogger(t), WithWriteHook(func(w Write) {
		mu.Lock()
		writes = append(writes, w)
		mu.Unlock()
	}))
	defer func() {
		test.That(t, store.Close(), test.ShouldBeNil)
	}()

	test.That(t, store.Create(context.Background(), "calls", "a", map[string]interface{}{"n": 0}), test.ShouldBeNil)
	test.That(t, store.Update(context.Background(), "calls", "a", map[string]interface{}{"n": 1}, true), test.ShouldBeNil)
	test.That(t, store.Delete(context.Background(), "calls", "a"), test.ShouldBeNil)
	test.That(t, store.Delete(context.Background(), "calls", "a"), test.ShouldBeNil)

	mu.Lock()
	defer mu.Unlock()
	test.That(t, writes, test.ShouldResemble, []Write{
		{Op: WriteOpCreate, Collection: "calls", ID: "a", Fields: map[string]interface{}{"n": 0}},
		{Op: WriteOpUpdate, Collection: "calls", ID: "a", Fields: map[string]interface{}{"n": 1}, Merge: true},
		{Op: WriteOpDelete, Collection: "calls", ID: "a"},
	})
}

func TestMemoryStoreCloseStopsDelivery(t *testing.T) {
	store := NewMemoryStore(golog.NewTestLogger(t))
	test.That(t, store.Create(context.Background(), "calls", "a", map[string]interface{}{"n": 0}), test.ShouldBeNil)

	block := make(chan struct{})
	_, err := store.Subscribe(context.Background(), "calls", "a", func(map[string]interface{}) {
		<-block
	})
	test.That(t, err, test.ShouldBeNil)
	close(block)
	test.That(t, store.Close(), test.ShouldBeNil)
}
