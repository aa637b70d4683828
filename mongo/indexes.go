package mongoutils

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TTLIndex returns an index on field that makes MongoDB remove a document once
// expireAfter has passed since the field's date.
func TTLIndex(field string, expireAfter time.Duration) mongo.IndexModel {
	secs := int32(expireAfter / time.Second)
	if secs < 0 {
		secs = 0
	}
	return mongo.IndexModel{
		Keys:    bson.D{{field, 1}},
		Options: options.Index().SetName(field + "_ttl").SetExpireAfterSeconds(secs),
	}
}

// EnsureIndexes creates the given indexes on coll. Indexes that already exist with the
// same definition are left alone.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection, indexes ...mongo.IndexModel) error {
	if len(indexes) == 0 {
		return nil
	}
	for i, idx := range indexes {
		if idx.Keys == nil {
			return errors.Errorf("index %d on %q has no keys", i, coll.Name())
		}
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return errors.Wrapf(err, "error creating indexes on %q", coll.Name())
	}
	return nil
}
