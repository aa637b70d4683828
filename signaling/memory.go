package signaling

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/callsignal"
)

// A Write describes a successful write to a MemoryStore.
type Write struct {
	Op         string
	Collection string
	ID         string
	Fields     map[string]interface{}
	Merge      bool
}

// Write ops.
const (
	WriteOpCreate = "create"
	WriteOpUpdate = "update"
	WriteOpDelete = "delete"
)

// A MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(store *MemoryStore)

// WithDuplicateDelivery makes the store deliver every notification twice.
func WithDuplicateDelivery() MemoryStoreOption {
	return func(store *MemoryStore) {
		store.duplicate = true
	}
}

// WithWriteHook calls hook with every successful write, in order, while the store's
// lock is held. hook must not call back into the store.
func WithWriteHook(hook func(w Write)) MemoryStoreOption {
	return func(store *MemoryStore) {
		store.writeHook = hook
	}
}

// A MemoryStore is an in-process Store. All fields are deep copied on the way in
// and on the way out.
type MemoryStore struct {
	mu          sync.Mutex
	docs        map[string]map[string]map[string]interface{}
	subs        map[docKey]map[string]*memorySubscription
	unavailable bool
	closed      bool
	duplicate   bool
	writeHook   func(w Write)

	activeBackgroundWorkers sync.WaitGroup
	logger                  golog.Logger
}

type docKey struct {
	collection string
	id         string
}

type memorySubscription struct {
	id         string
	onChange   OnChange
	cancelCtx  context.Context
	cancelFunc func()

	mu      sync.Mutex
	pending []map[string]interface{}
	notify  chan struct{}
}

// NewMemoryStore returns a new, empty MemoryStore.
func NewMemoryStore(logger golog.Logger, opts ...MemoryStoreOption) *MemoryStore {
	store := &MemoryStore{
		docs:   map[string]map[string]map[string]interface{}{},
		subs:   map[docKey]map[string]*memorySubscription{},
		logger: logger.Named("memory_store"),
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// SetUnavailable makes every following operation fail with ErrStoreUnavailable
// until it is called again with false.
func (store *MemoryStore) SetUnavailable(unavailable bool) {
	store.mu.Lock()
	store.unavailable = unavailable
	store.mu.Unlock()
}

func (store *MemoryStore) checkAvailable(op string) error {
	if store.closed {
		return unavailable(op, errors.New("store closed"))
	}
	if store.unavailable {
		return unavailable(op, errors.New("injected outage"))
	}
	return nil
}

// Create writes a new document.
func (store *MemoryStore) Create(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable("create"); err != nil {
		return err
	}
	coll := store.docs[collection]
	if coll == nil {
		coll = map[string]map[string]interface{}{}
		store.docs[collection] = coll
	}
	if _, ok := coll[id]; ok {
		return errors.Wrapf(ErrAlreadyExists, "%s/%s", collection, id)
	}
	doc := CopyFields(fields)
	if doc == nil {
		doc = map[string]interface{}{}
	}
	coll[id] = doc
	store.recordWrite(Write{Op: WriteOpCreate, Collection: collection, ID: id, Fields: fields})
	store.publish(docKey{collection, id}, doc)
	return nil
}

// ReadOnce returns the current contents of a document.
func (store *MemoryStore) ReadOnce(ctx context.Context, collection, id string) (map[string]interface{}, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable("read"); err != nil {
		return nil, false, err
	}
	doc, ok := store.docs[collection][id]
	if !ok {
		return nil, false, nil
	}
	return CopyFields(doc), true, nil
}

// Update merges or replaces a document.
func (store *MemoryStore) Update(
	ctx context.Context,
	collection, id string,
	fields map[string]interface{},
	merge bool,
) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable("update"); err != nil {
		return err
	}
	doc, ok := store.docs[collection][id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s/%s", collection, id)
	}
	if merge {
		for k, v := range fields {
			doc[k] = copyValue(v)
		}
	} else {
		doc = CopyFields(fields)
		if doc == nil {
			doc = map[string]interface{}{}
		}
		store.docs[collection][id] = doc
	}
	store.recordWrite(Write{Op: WriteOpUpdate, Collection: collection, ID: id, Fields: fields, Merge: merge})
	store.publish(docKey{collection, id}, doc)
	return nil
}

// UpdateIf merges fields into a document if it satisfies guard.
func (store *MemoryStore) UpdateIf(
	ctx context.Context,
	collection, id string,
	fields map[string]interface{},
	guard Guard,
) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable("update"); err != nil {
		return false, err
	}
	doc, ok := store.docs[collection][id]
	if !ok {
		return false, errors.Wrapf(ErrNotFound, "%s/%s", collection, id)
	}
	if !guard.matches(doc) {
		return false, nil
	}
	for k, v := range fields {
		doc[k] = copyValue(v)
	}
	store.recordWrite(Write{Op: WriteOpUpdate, Collection: collection, ID: id, Fields: fields, Merge: true})
	store.publish(docKey{collection, id}, doc)
	return true, nil
}

// Delete removes a document.
func (store *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable("delete"); err != nil {
		return err
	}
	if _, ok := store.docs[collection][id]; !ok {
		return nil
	}
	delete(store.docs[collection], id)
	store.recordWrite(Write{Op: WriteOpDelete, Collection: collection, ID: id})
	return nil
}

// Subscribe starts delivering changes of a document to onChange.
func (store *MemoryStore) Subscribe(
	ctx context.Context,
	collection, id string,
	onChange OnChange,
) (func(), error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable("subscribe"); err != nil {
		return nil, err
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	sub := &memorySubscription{
		id:         uuid.NewString(),
		onChange:   onChange,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
		notify:     make(chan struct{}, 1),
	}
	key := docKey{collection, id}
	if store.subs[key] == nil {
		store.subs[key] = map[string]*memorySubscription{}
	}
	store.subs[key][sub.id] = sub
	if doc, ok := store.docs[collection][id]; ok {
		store.enqueue(sub, doc)
	}

	store.logger.Debugw("subscribed", "collection", collection, "id", id, "subscription_id", sub.id)

	store.activeBackgroundWorkers.Add(1)
	callsignal.ManagedGo(func() {
		store.deliver(sub)
	}, store.activeBackgroundWorkers.Done)

	var unsubOnce sync.Once
	return func() {
		unsubOnce.Do(func() {
			sub.cancelFunc()
			store.mu.Lock()
			delete(store.subs[key], sub.id)
			if len(store.subs[key]) == 0 {
				delete(store.subs, key)
			}
			store.mu.Unlock()
		})
	}, nil
}

// Close stops all deliveries and waits for them to finish.
func (store *MemoryStore) Close() error {
	store.mu.Lock()
	store.closed = true
	for _, subs := range store.subs {
		for _, sub := range subs {
			sub.cancelFunc()
		}
	}
	store.subs = map[docKey]map[string]*memorySubscription{}
	store.mu.Unlock()
	store.activeBackgroundWorkers.Wait()
	return nil
}

// expects store.mu to be held.
func (store *MemoryStore) recordWrite(w Write) {
	if store.writeHook == nil {
		return
	}
	w.Fields = CopyFields(w.Fields)
	store.writeHook(w)
}

// expects store.mu to be held.
func (store *MemoryStore) publish(key docKey, doc map[string]interface{}) {
	for _, sub := range store.subs[key] {
		store.enqueue(sub, doc)
	}
}

// expects store.mu to be held.
func (store *MemoryStore) enqueue(sub *memorySubscription, doc map[string]interface{}) {
	times := 1
	if store.duplicate {
		times = 2
	}
	sub.mu.Lock()
	for i := 0; i < times; i++ {
		sub.pending = append(sub.pending, CopyFields(doc))
	}
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (store *MemoryStore) deliver(sub *memorySubscription) {
	for {
		select {
		case <-sub.cancelCtx.Done():
			return
		case <-sub.notify:
		}
		sub.mu.Lock()
		batch := sub.pending
		sub.pending = nil
		sub.mu.Unlock()
		for _, doc := range batch {
			if sub.cancelCtx.Err() != nil {
				return
			}
			sub.onChange(doc)
		}
	}
}
