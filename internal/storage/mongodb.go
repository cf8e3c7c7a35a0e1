package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDB is an open MongoDB database.
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
}

// OpenMongoDB connects to MongoDB and pings the server.
func OpenMongoDB(ctx context.Context, cfg MongoDBConfig) (*MongoDB, error) {
	if cfg.URL == "" {
		return nil, errors.New("mongodb URL is required")
	}
	dbName := cfg.Database
	if dbName == "" {
		dbName = DefaultConfig().MongoDB.Database
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	return &MongoDB{client: client, database: client.Database(dbName)}, nil
}

// Type implements Storage.
func (s *MongoDB) Type() string { return TypeMongoDB }

// Database returns the database handle.
func (s *MongoDB) Database() *mongo.Database { return s.database }

// Close disconnects the client.
func (s *MongoDB) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
