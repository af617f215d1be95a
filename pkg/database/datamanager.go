package database

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DataManager gives typed reads over one collection. Writes go through the
// store methods so every mutation stays a single conditional operation.
type DataManager[T any] struct {
	name string
	db   *Database
}

// NewDataManager creates a new DataManager for a collection
func NewDataManager[T any](collectionName string, db *Database) *DataManager[T] {
	return &DataManager[T]{name: collectionName, db: db}
}

// Collection returns the underlying collection or an error when offline.
func (dm *DataManager[T]) Collection() (*mongo.Collection, error) {
	col := dm.db.GetCollection(dm.name)
	if col == nil {
		return nil, fmt.Errorf("database not connected (%s)", dm.name)
	}
	return col, nil
}

// Get returns the first matching document, or nil when nothing matches.
func (dm *DataManager[T]) Get(ctx context.Context, query bson.M, opts ...*options.FindOneOptions) (*T, error) {
	col, err := dm.Collection()
	if err != nil {
		return nil, err
	}
	var result T
	if err := col.FindOne(ctx, query, opts...).Decode(&result); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find %s: %w", dm.name, err)
	}
	return &result, nil
}

// GetAll retrieves all documents matching a query
func (dm *DataManager[T]) GetAll(ctx context.Context, query bson.M, opts ...*options.FindOptions) ([]T, error) {
	col, err := dm.Collection()
	if err != nil {
		return nil, err
	}
	cursor, err := col.Find(ctx, query, opts...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", dm.name, err)
	}
	return decodeAll[T](ctx, cursor)
}

// Aggregate runs a pipeline and decodes every result.
func (dm *DataManager[T]) Aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]T, error) {
	col, err := dm.Collection()
	if err != nil {
		return nil, err
	}
	cursor, err := col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", dm.name, err)
	}
	return decodeAll[T](ctx, cursor)
}

// Count counts matching documents.
func (dm *DataManager[T]) Count(ctx context.Context, query bson.M) (int64, error) {
	col, err := dm.Collection()
	if err != nil {
		return 0, err
	}
	return col.CountDocuments(ctx, query)
}

func decodeAll[T any](ctx context.Context, cursor *mongo.Cursor) ([]T, error) {
	defer func() { _ = cursor.Close(ctx) }()
	results := make([]T, 0)
	if err := cursor.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}
