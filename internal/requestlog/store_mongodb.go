package requestlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const mongoCollection = "request_log"

// MongoDBStore writes entries to a MongoDB collection. Retention is enforced
// by a TTL index instead of a cleanup loop.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore prepares the collection and its indexes.
func NewMongoDBStore(ctx context.Context, database *mongo.Database, retentionDays int) (*MongoDBStore, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}
	collection := database.Collection(mongoCollection)

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "model", Value: 1}}},
	}
	// MongoDB allows one index per key pattern, so the TTL index doubles as the timestamp index.
	tsIndex := mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: -1}}}
	if retentionDays > 0 {
		tsIndex.Options = options.Index().SetExpireAfterSeconds(int32(retentionDays * 24 * 60 * 60))
	}
	indexes = append(indexes, tsIndex)

	idxCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := collection.Indexes().CreateMany(idxCtx, indexes); err != nil {
		slog.Warn("failed to create some request log indexes", "error", err)
	}

	return &MongoDBStore{collection: collection}, nil
}

// WriteBatch inserts entries unordered, so one bad document does not stop the rest.
func (s *MongoDBStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}

	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) {
			return fmt.Errorf("partial request log insert: %d of %d entries failed: %w",
				len(bulkErr.WriteErrors), len(entries), err)
		}
		return fmt.Errorf("insert request log entries: %w", err)
	}
	return nil
}

// Flush is a no-op: writes are synchronous.
func (s *MongoDBStore) Flush(context.Context) error {
	return nil
}

// Close is a no-op: the client belongs to the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
