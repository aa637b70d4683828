package mongoutils

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.viam.com/callsignal"
)

// A ChangeEvent holds the change stream fields the call store reads.
type ChangeEvent struct {
	ID            bson.RawValue            `bson:"_id"`
	OperationType ChangeEventOperationType `bson:"operationType"`
	FullDocument  bson.Raw                 `bson:"fullDocument"`
	DocumentKey   bson.D                   `bson:"documentKey"`
}

// ChangeEventOperationType is the type of operation that occurred.
type ChangeEventOperationType string

// ChangeEvent operation types.
const (
	ChangeEventOperationTypeInsert     = ChangeEventOperationType("insert")
	ChangeEventOperationTypeDelete     = ChangeEventOperationType("delete")
	ChangeEventOperationTypeReplace    = ChangeEventOperationType("replace")
	ChangeEventOperationTypeUpdate     = ChangeEventOperationType("update")
	ChangeEventOperationTypeInvalidate = ChangeEventOperationType("invalidate")
)

// ChangeEventResult represents either an event happening or an error that happened
// along the way.
type ChangeEventResult struct {
	Event *ChangeEvent
	Error error
}

// WatchDocument opens a change stream that only sees writes to the document with the
// given id. Updates are looked up so every event carries the whole document.
func WatchDocument(
	ctx context.Context,
	coll *mongo.Collection,
	id string,
	opts ...*options.ChangeStreamOptions,
) (*mongo.ChangeStream, error) {
	opts = append([]*options.ChangeStreamOptions{options.ChangeStream().SetFullDocument(options.UpdateLookup)}, opts...)
	return coll.Watch(ctx, mongo.Pipeline{
		{{"$match", bson.D{{"documentKey._id", id}}}},
	}, opts...)
}

// ChangeStreamBackground calls Next in the background and returns once at least one
// attempt has been made. Results arrive in stream order until the context is done or
// the stream fails, after which the channel is closed.
func ChangeStreamBackground(ctx context.Context, cs *mongo.ChangeStream) <-chan ChangeEventResult {
	results := make(chan ChangeEventResult, 1)
	csStarted := make(chan struct{})
	sendResult := func(result ChangeEventResult) bool {
		select {
		case <-ctx.Done():
			select {
			case results <- result:
			default:
			}
			return false
		case results <- result:
			return true
		}
	}
	callsignal.PanicCapturingGo(func() {
		defer close(results)

		started := false
		markStarted := func() {
			if !started {
				started = true
				close(csStarted)
			}
		}
		defer markStarted()

		for {
			if ctx.Err() != nil {
				return
			}
			var next bool
			if !started {
				next = cs.TryNext(ctx)
				markStarted()
				if !next && cs.Err() == nil {
					next = cs.Next(ctx)
				}
			} else {
				next = cs.Next(ctx)
			}
			if !next {
				sendResult(ChangeEventResult{Error: cs.Err()})
				return
			}
			var ce ChangeEvent
			if err := cs.Decode(&ce); err != nil {
				sendResult(ChangeEventResult{Error: err})
				return
			}
			if !sendResult(ChangeEventResult{Event: &ce}) {
				return
			}
		}
	})
	<-csStarted
	return results
}
