package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrStaleSnapshot is returned when a snapshot older than the stored
	// one is saved. The stored document is left untouched.
	ErrStaleSnapshot = errors.New("stored snapshot is newer")
)

type MongoRepository struct {
	snapshots *mongo.Collection
	history   *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{
		snapshots: db.Collection("cart_snapshots"),
		history:   db.Collection("purchase_history"),
	}
}

func (m *MongoRepository) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	doc := toSnapshotDocument(snapshot)

	// only replace an older version; an upsert that matches nothing collides
	// with the unique cart_id index when a newer version is stored
	filter := bson.M{
		"cart_id": snapshot.CartID,
		"version": bson.M{"$lt": snapshot.Version},
	}
	opts := options.Replace().SetUpsert(true)

	_, err := m.snapshots.ReplaceOne(ctx, filter, doc, opts)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrStaleSnapshot
		}
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (m *MongoRepository) LoadSnapshot(ctx context.Context, cartID string) (*domain.Snapshot, error) {
	var doc snapshotDocument

	err := m.snapshots.FindOne(ctx, bson.M{"cart_id": cartID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return doc.toDomain()
}

// SaveHistory is idempotent per order id, so a redelivered completion
// event does not duplicate the purchase.
func (m *MongoRepository) SaveHistory(ctx context.Context, record domain.HistoryRecord) error {
	filter := bson.M{"order_id": record.OrderID}
	update := bson.M{"$setOnInsert": toHistoryDocument(record)}
	opts := options.Update().SetUpsert(true)

	if _, err := m.history.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (m *MongoRepository) ListHistory(ctx context.Context, userID string, limit int64) ([]domain.HistoryRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "completed_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := m.history.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []historyDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	records := make([]domain.HistoryRecord, 0, len(docs))
	for _, d := range docs {
		r, err := d.toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func (m *MongoRepository) CreateIndexes(ctx context.Context) error {
	_, err := m.snapshots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "cart_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(7 * 24 * 60 * 60),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create snapshot indexes: %w", err)
	}

	_, err = m.history.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "order_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "completed_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create history indexes: %w", err)
	}

	return nil
}
