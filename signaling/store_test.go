package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/callsignal"
)

func changeCollector() (OnChange, <-chan map[string]interface{}) {
	ch := make(chan map[string]interface{}, 64)
	return func(fields map[string]interface{}) {
		ch <- fields
	}, ch
}

func nextChange(t *testing.T, ch <-chan map[string]interface{}) map[string]interface{} {
	t.Helper()
	select {
	case fields := <-ch:
		return fields
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for change")
		return nil
	}
}

func expectNoChange(t *testing.T, ch <-chan map[string]interface{}) {
	t.Helper()
	select {
	case fields := <-ch:
		t.Fatalf("unexpected change %v", fields)
	case <-time.After(200 * time.Millisecond):
	}
}

func testStore(t *testing.T, setupStore func(t *testing.T) (Store, string, func())) {
	t.Run("create and read", func(t *testing.T) {
		store, coll, teardown := setupStore(t)
		defer teardown()

		id := callsignal.RandomAlphaString(8)
		_, found, err := store.ReadOnce(context.Background(), coll, id)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, found, test.ShouldBeFalse)

		test.That(t, store.Create(context.Background(), coll, id, map[string]interface{}{
			"status": "ringing",
			"offer":  map[string]interface{}{"type": "offer", "sdp": "v=0"},
			"list":   []interface{}{},
		}), test.ShouldBeNil)

		fields, found, err := store.ReadOnce(context.Background(), coll, id)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, found, test.ShouldBeTrue)
		test.That(t, fields["status"], test.ShouldEqual, "ringing")
		test.That(t, fields["offer"], test.ShouldResemble, map[string]interface{}{"type": "offer", "sdp": "v=0"})
		test.That(t, fields["list"], test.ShouldResemble, []interface{}{})
		_, hasID := fields["_id"]
		test.That(t, hasID, test.ShouldBeFalse)

		err = store.Create(context.Background(), coll, id, map[string]interface{}{"status": "idle"})
		test.That(t, err, test.ShouldBeError)
		test.That(t, errors.Is(err, ErrAlreadyExists), test.ShouldBeTrue)
	})

	t.Run("update merges or replaces", func(t *testing.T) {
		store, coll, teardown := setupStore(t)
		defer teardown()

		id := callsignal.RandomAlphaString(8)
		err := store.Update(context.Background(), coll, id, map[string]interface{}{"status": "ended"}, true)
		test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)

		test.That(t, store.Create(context.Background(), coll, id, map[string]interface{}{
			"status": "ringing",
			"offer":  "o",
		}), test.ShouldBeNil)
		test.That(t, store.Update(context.Background(), coll, id, map[string]interface{}{
			"status": "connected",
			"answer": "a",
		}, true), test.ShouldBeNil)

		fields, _, err := store.ReadOnce(context.Background(), coll, id)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fields, test.ShouldResemble, map[string]interface{}{
			"status": "connected",
			"offer":  "o",
			"answer": "a",
		})

		test.That(t, store.Update(context.Background(), coll, id, map[string]interface{}{
			"status": "ended",
		}, false), test.ShouldBeNil)
		fields, _, err = store.ReadOnce(context.Background(), coll, id)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fields, test.ShouldResemble, map[string]interface{}{"status": "ended"})
	})

	t.Run("update if guard holds", func(t *testing.T) {
		store, coll, teardown := setupStore(t)
		defer teardown()

		guard := Guard{Absent: []string{"answer"}, NotEqual: map[string]interface{}{"status": "ended"}}
		answer := map[string]interface{}{"status": "connected", "answer": "a"}

		id := callsignal.RandomAlphaString(8)
		_, err := store.UpdateIf(context.Background(), coll, id, answer, guard)
		test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)

		test.That(t, store.Create(context.Background(), coll, id, map[string]interface{}{"status": "ringing"}), test.ShouldBeNil)
		applied, err := store.UpdateIf(context.Background(), coll, id, answer, guard)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, applied, test.ShouldBeTrue)

		applied, err = store.UpdateIf(context.Background(), coll, id, map[string]interface{}{"answer": "b"}, guard)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, applied, test.ShouldBeFalse)

		ended := callsignal.RandomAlphaString(8)
		test.That(t, store.Create(context.Background(), coll, ended, map[string]interface{}{"status": "ended"}), test.ShouldBeNil)
		applied, err = store.UpdateIf(context.Background(), coll, ended, answer, guard)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, applied, test.ShouldBeFalse)

		fields, _, err := store.ReadOnce(context.Background(), coll, id)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fields, test.ShouldResemble, map[string]interface{}{"status": "connected", "answer": "a"})
		fields, _, err = store.ReadOnce(context.Background(), coll, ended)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, fields, test.ShouldResemble, map[string]interface{}{"status": "ended"})
	})

	t.Run("delete", func(t *testing.T) {
		store, coll, teardown := setupStore(t)
		defer teardown()

		id := callsignal.RandomAlphaString(8)
		test.That(t, store.Delete(context.Background(), coll, id), test.ShouldBeNil)
		test.That(t, store.Create(context.Background(), coll, id, map[string]interface{}{"status": "ended"}), test.ShouldBeNil)
		test.That(t, store.Delete(context.Background(), coll, id), test.ShouldBeNil)
		_, found, err := store.ReadOnce(context.Background(), coll, id)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, found, test.ShouldBeFalse)
		test.That(t, store.Delete(context.Background(), coll, id), test.ShouldBeNil)
	})

	t.Run("subscribe delivers current document then writes in order", func(t *testing.T) {
		store, coll, teardown := setupStore(t)
		defer teardown()

		id := callsignal.RandomAlphaString(8)
		test.That(t, store.Create(context.Background(), coll, id, map[string]interface{}{"n": 0}), test.ShouldBeNil)

		onChange, changes := changeCollector()
		unsubscribe, err := store.Subscribe(context.Background(), coll, id, onChange)
		test.That(t, err, test.ShouldBeNil)
		defer unsubscribe()

		test.That(t, nextChange(t, changes)["n"], test.ShouldEqual, 0)
		for i := 1; i <= 3; i++ {
			test.That(t, store.Update(context.Background(), coll, id, map[string]interface{}{"n": i}, true), test.ShouldBeNil)
			test.That(t, nextChange(t, changes)["n"], test.ShouldEqual, i)
		}

		// deletes are not delivered
		test.That(t, store.Delete(context.Background(), coll, id), test.ShouldBeNil)
		expectNoChange(t, changes)
	})

	t.Run("subscribe before create", func(t *testing.T) {
		store, coll, teardown := setupStore(t)
		defer teardown()

		id := callsignal.RandomAlphaString(8)
		onChange, changes := changeCollector()
		unsubscribe, err := store.Subscribe(context.Background(), coll, id, onChange)
		test.That(t, err, test.ShouldBeNil)
		defer unsubscribe()

		expectNoChange(t, changes)
		test.That(t, store.Create(context.Background(), coll, id, map[string]interface{}{"status": "ringing"}), test.ShouldBeNil)
		test.That(t, nextChange(t, changes)["status"], test.ShouldEqual, "ringing")
	})

	t.Run("unsubscribe stops delivery and may be called from the callback", func(t *testing.T) {
		store, coll, teardown := setupStore(t)
		defer teardown()

		id := callsignal.RandomAlphaString(8)
		test.That(t, store.Create(context.Background(), coll, id, map[string]interface{}{"n": 0}), test.ShouldBeNil)

		var unsubscribe func()
		ready := make(chan struct{})
		changes := make(chan map[string]interface{}, 64)
		unsubscribe, err := store.Subscribe(context.Background(), coll, id, func(fields map[string]interface{}) {
			<-ready
			changes <- fields
			if fields["n"] == 1 {
				unsubscribe()
			}
		})
		test.That(t, err, test.ShouldBeNil)
		close(ready)

		test.That(t, nextChange(t, changes)["n"], test.ShouldEqual, 0)
		test.That(t, store.Update(context.Background(), coll, id, map[string]interface{}{"n": 1}, true), test.ShouldBeNil)
		test.That(t, nextChange(t, changes)["n"], test.ShouldEqual, 1)
		test.That(t, store.Update(context.Background(), coll, id, map[string]interface{}{"n": 2}, true), test.ShouldBeNil)
		expectNoChange(t, changes)

		unsubscribe()
		unsubscribe()
	})

	t.Run("writes to other documents are not delivered", func(t *testing.T) {
		store, coll, teardown := setupStore(t)
		defer teardown()

		id := callsignal.RandomAlphaString(8)
		other := callsignal.RandomAlphaString(8)
		onChange, changes := changeCollector()
		unsubscribe, err := store.Subscribe(context.Background(), coll, id, onChange)
		test.That(t, err, test.ShouldBeNil)
		defer unsubscribe()

		test.That(t, store.Create(context.Background(), coll, other, map[string]interface{}{"n": 1}), test.ShouldBeNil)
		expectNoChange(t, changes)
	})
}
