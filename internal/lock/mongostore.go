package lock

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoStore persists locks in a MongoDB collection keyed by lock name.
// Atomicity comes from the upsert on _id: two concurrent upserts for the
// same name serialise on the unique index, and the loser sees a duplicate
// key error.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore wraps the distributed_locks collection.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// TryAcquire inserts the lock row, or replaces it when the current row has
// expired. Returns false without error when the lock is validly held.
func (s *MongoStore) TryAcquire(ctx context.Context, lock Lock) (bool, error) {
	filter := bson.M{
		"_id":        lock.Name,
		"expires_at": bson.M{"$lt": lock.AcquiredAt},
	}
	res, err := s.coll.ReplaceOne(ctx, filter, lock)
	if err != nil {
		return false, err
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}

	// No expired row to take over; try a fresh insert.
	_, err = s.coll.InsertOne(ctx, lock)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Release deletes the lock only when held by holderID.
func (s *MongoStore) Release(ctx context.Context, name, holderID string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": name, "holder_id": holderID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotHolder
	}
	return nil
}

// Renew extends the expiry of a lock this holder owns.
func (s *MongoStore) Renew(ctx context.Context, name, holderID string, expiresAt time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": name, "holder_id": holderID},
		bson.M{"$set": bson.M{"expires_at": expiresAt}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// DeleteExpired removes lock rows whose expiry has passed.
func (s *MongoStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

var _ Store = (*MongoStore)(nil)
