package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opencensus.io/trace"

	"go.viam.com/callsignal"
	mongoutils "go.viam.com/callsignal/mongo"
)

func init() {
	mongoutils.MustRegisterNamespace(&mongodbStoreDBName, &mongodbStoreCallsCollName)
}

var (
	mongodbStoreDBName        = "callsignal"
	mongodbStoreCallsCollName = "calls"
)

// DefaultCollection is the collection call documents are kept in unless configured
// otherwise.
func DefaultCollection() string {
	return mongodbStoreCallsCollName
}

const (
	mongodbIDField             = "_id"
	changeStreamReopenInterval = time.Second
)

// A MongoDBStoreOption configures a MongoDBStore.
type MongoDBStoreOption func(store *MongoDBStore)

// WithDatabase stores documents in the named database.
func WithDatabase(name string) MongoDBStoreOption {
	return func(store *MongoDBStore) {
		store.dbName = name
	}
}

// WithExpireAfter keeps a TTL index on field in collection so that documents are
// removed by MongoDB once ttl has passed.
func WithExpireAfter(collection, field string, ttl time.Duration) MongoDBStoreOption {
	return func(store *MongoDBStore) {
		store.ttls = append(store.ttls, ttlIndex{collection: collection, field: field, ttl: ttl})
	}
}

type ttlIndex struct {
	collection string
	field      string
	ttl        time.Duration
}

// A MongoDBStore is a Store backed by MongoDB. Subscriptions are change streams
// filtered to a single document.
type MongoDBStore struct {
	client *mongo.Client
	dbName string
	ttls   []ttlIndex
	logger golog.Logger

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewMongoDBStore returns a new store using the given client. Any requested TTL
// indexes are created before it returns.
func NewMongoDBStore(
	ctx context.Context,
	client *mongo.Client,
	logger golog.Logger,
	opts ...MongoDBStoreOption,
) (*MongoDBStore, error) {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	store := &MongoDBStore{
		client:     client,
		dbName:     mongodbStoreDBName,
		logger:     logger.Named("mongodb_store"),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	for _, opt := range opts {
		opt(store)
	}
	for _, idx := range store.ttls {
		if err := mongoutils.EnsureIndexes(ctx, store.coll(idx.collection), mongoutils.TTLIndex(idx.field, idx.ttl)); err != nil {
			cancelFunc()
			return nil, unavailable("ensure indexes", err)
		}
	}
	return store, nil
}

func (store *MongoDBStore) coll(name string) *mongo.Collection {
	return store.client.Database(store.dbName).Collection(name)
}

// Create inserts a new document with the given id.
func (store *MongoDBStore) Create(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	ctx, span := trace.StartSpan(ctx, "Store::Create")
	defer span.End()

	doc := bson.M{}
	for k, v := range fields {
		doc[k] = v
	}
	doc[mongodbIDField] = id
	if _, err := store.coll(collection).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Wrapf(ErrAlreadyExists, "%s/%s", collection, id)
		}
		return unavailable("create", err)
	}
	return nil
}

// ReadOnce finds a document by id.
func (store *MongoDBStore) ReadOnce(ctx context.Context, collection, id string) (map[string]interface{}, bool, error) {
	ctx, span := trace.StartSpan(ctx, "Store::ReadOnce")
	defer span.End()

	return store.findOne(ctx, store.coll(collection), id)
}

func (store *MongoDBStore) findOne(ctx context.Context, coll *mongo.Collection, id string) (map[string]interface{}, bool, error) {
	res := coll.FindOne(ctx, bson.D{{mongodbIDField, id}})
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, unavailable("read", err)
	}
	var doc bson.M
	if err := res.Decode(&doc); err != nil {
		return nil, false, unavailable("read", err)
	}
	return normalizeDocument(doc), true, nil
}

// Update sets fields on, or replaces, a document.
func (store *MongoDBStore) Update(
	ctx context.Context,
	collection, id string,
	fields map[string]interface{},
	merge bool,
) error {
	ctx, span := trace.StartSpan(ctx, "Store::Update")
	defer span.End()

	filter := bson.D{{mongodbIDField, id}}
	var matched int64
	if merge {
		set := bson.M{}
		for k, v := range fields {
			if k == mongodbIDField {
				continue
			}
			set[k] = v
		}
		if len(set) == 0 {
			// an empty $set is rejected by the server
			_, found, err := store.findOne(ctx, store.coll(collection), id)
			if err != nil {
				return err
			}
			if !found {
				return errors.Wrapf(ErrNotFound, "%s/%s", collection, id)
			}
			return nil
		}
		result, err := store.coll(collection).UpdateOne(ctx, filter, bson.D{{"$set", set}})
		if err != nil {
			return unavailable("update", err)
		}
		matched = result.MatchedCount
	} else {
		doc := bson.M{}
		for k, v := range fields {
			if k == mongodbIDField {
				continue
			}
			doc[k] = v
		}
		result, err := store.coll(collection).ReplaceOne(ctx, filter, doc)
		if err != nil {
			return unavailable("update", err)
		}
		matched = result.MatchedCount
	}
	if matched == 0 {
		return errors.Wrapf(ErrNotFound, "%s/%s", collection, id)
	}
	return nil
}

// UpdateIf applies $set with guard folded into the filter, so the check and the write
// are one server-side operation.
func (store *MongoDBStore) UpdateIf(
	ctx context.Context,
	collection, id string,
	fields map[string]interface{},
	guard Guard,
) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "Store::UpdateIf")
	defer span.End()

	filter := bson.D{{mongodbIDField, id}}
	for _, field := range guard.Absent {
		// null matches both a missing field and an explicit null
		filter = append(filter, bson.E{field, nil})
	}
	for field, value := range guard.NotEqual {
		filter = append(filter, bson.E{field, bson.D{{"$ne", value}}})
	}
	set := bson.M{}
	for k, v := range fields {
		if k == mongodbIDField {
			continue
		}
		set[k] = v
	}
	if len(set) == 0 {
		return false, errors.New("conditional update needs at least one field")
	}

	coll := store.coll(collection)
	result, err := coll.UpdateOne(ctx, filter, bson.D{{"$set", set}})
	if err != nil {
		return false, unavailable("update", err)
	}
	if result.MatchedCount > 0 {
		return true, nil
	}
	_, found, err := store.findOne(ctx, coll, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, errors.Wrapf(ErrNotFound, "%s/%s", collection, id)
	}
	return false, nil
}

// Delete removes a document by id.
func (store *MongoDBStore) Delete(ctx context.Context, collection, id string) error {
	ctx, span := trace.StartSpan(ctx, "Store::Delete")
	defer span.End()

	if _, err := store.coll(collection).DeleteOne(ctx, bson.D{{mongodbIDField, id}}); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Subscribe opens a change stream on the document before reading its current state
// so that no write between the two is missed.
func (store *MongoDBStore) Subscribe(
	ctx context.Context,
	collection, id string,
	onChange OnChange,
) (func(), error) {
	ctx, span := trace.StartSpan(ctx, "Store::Subscribe")
	defer span.End()

	coll := store.coll(collection)
	cs, err := mongoutils.WatchDocument(ctx, coll, id)
	if err != nil {
		return nil, unavailable("subscribe", err)
	}
	current, found, err := store.findOne(ctx, coll, id)
	if err != nil {
		callsignal.UncheckedError(cs.Close(context.Background()))
		return nil, err
	}

	subID := uuid.NewString()
	logger := store.logger.With("collection", collection, "id", id, "subscription_id", subID)
	subCtx, subCancel := context.WithCancel(store.cancelCtx)

	store.activeBackgroundWorkers.Add(1)
	callsignal.PanicCapturingGo(func() {
		defer store.activeBackgroundWorkers.Done()
		if found && subCtx.Err() == nil {
			onChange(current)
		}
		store.watch(subCtx, coll, id, cs, onChange, logger)
	})

	var unsubOnce sync.Once
	return func() {
		unsubOnce.Do(subCancel)
	}, nil
}

func (store *MongoDBStore) watch(
	ctx context.Context,
	coll *mongo.Collection,
	id string,
	cs *mongo.ChangeStream,
	onChange OnChange,
	logger golog.Logger,
) {
	for {
		resumeToken, ok := store.drainChangeStream(ctx, cs, onChange, logger)
		callsignal.UncheckedError(cs.Close(context.Background()))
		if !ok || ctx.Err() != nil {
			return
		}
		for {
			if !callsignal.SelectContextOrWait(ctx, changeStreamReopenInterval) {
				return
			}
			opts := options.ChangeStream()
			if resumeToken != nil {
				opts.SetResumeAfter(resumeToken)
			}
			var err error
			cs, err = mongoutils.WatchDocument(ctx, coll, id, opts)
			if err == nil {
				break
			}
			logger.Warnw("failed to reopen change stream", "error", err)
		}
	}
}

// drainChangeStream delivers events until the stream fails or the context is done.
// It returns the last resume token seen and whether the stream should be reopened.
func (store *MongoDBStore) drainChangeStream(
	ctx context.Context,
	cs *mongo.ChangeStream,
	onChange OnChange,
	logger golog.Logger,
) (bson.Raw, bool) {
	results := mongoutils.ChangeStreamBackground(ctx, cs)
	defer func() {
		for range results {
		}
	}()
	resumeToken := cs.ResumeToken()
	for {
		var next mongoutils.ChangeEventResult
		var ok bool
		select {
		case <-ctx.Done():
			return resumeToken, false
		case next, ok = <-results:
		}
		if !ok {
			return resumeToken, true
		}
		if next.Error != nil {
			if ctx.Err() != nil || errors.Is(next.Error, context.Canceled) {
				return resumeToken, false
			}
			logger.Warnw("change stream failed; reopening", "error", next.Error)
			return resumeToken, true
		}
		if token, isDoc := next.Event.ID.DocumentOK(); isDoc {
			resumeToken = token
		}
		switch next.Event.OperationType {
		case mongoutils.ChangeEventOperationTypeInsert,
			mongoutils.ChangeEventOperationTypeUpdate,
			mongoutils.ChangeEventOperationTypeReplace:
		case mongoutils.ChangeEventOperationTypeInvalidate:
			logger.Debug("change stream invalidated")
			return nil, false
		default:
			continue
		}
		if len(next.Event.FullDocument) == 0 {
			// the document was deleted before the update could be looked up
			continue
		}
		var doc bson.M
		if err := bson.Unmarshal(next.Event.FullDocument, &doc); err != nil {
			logger.Errorw("failed to decode changed document", "error", err)
			continue
		}
		if ctx.Err() != nil {
			return resumeToken, false
		}
		onChange(normalizeDocument(doc))
	}
}

// Close stops all subscriptions and waits for them to finish. The client is left
// connected.
func (store *MongoDBStore) Close() error {
	store.cancelFunc()
	store.activeBackgroundWorkers.Wait()
	return nil
}

func normalizeDocument(doc bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == mongodbIDField {
			continue
		}
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = normalizeValue(elem)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = normalizeValue(elem)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(val))
		for _, elem := range val {
			out[elem.Key] = normalizeValue(elem.Value)
		}
		return out
	case bson.A:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = normalizeValue(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = normalizeValue(elem)
		}
		return out
	case primitive.DateTime:
		return val.Time()
	case int32:
		return int(val)
	case int64:
		return int(val)
	default:
		return val
	}
}
