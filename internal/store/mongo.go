// Package store provides the engine's persistence: a MongoDB primary store,
// a relational analytics mirror and the dual writer that keeps both fed.
package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"petrosa-tradeengine/internal/oco"
	"petrosa-tradeengine/internal/position"
)

// Mongo collection names.
const (
	collPositions     = "positions"
	collStrategyPos   = "strategy_positions"
	collContributions = "position_contributions"
	collOCOPairs      = "oco_pairs"
	collDailyPnL      = "daily_pnl"
	collAuditLogs     = "audit_logs"
)

// MongoStore is the primary document store.
type MongoStore struct {
	db     *mongo.Database
	logger zerolog.Logger
}

// ConnectMongo dials MongoDB and pings it.
func ConnectMongo(ctx context.Context, uri, database string, logger zerolog.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, err
	}
	logger.Info().Str("database", database).Msg("Connected to MongoDB")
	return NewMongoStore(client.Database(database), logger), nil
}

// NewMongoStore wraps an existing database handle.
func NewMongoStore(db *mongo.Database, logger zerolog.Logger) *MongoStore {
	return &MongoStore{
		db:     db,
		logger: logger.With().Str("component", "MongoStore").Logger(),
	}
}

// Database exposes the underlying handle for subsystems that own their
// collections (locks, trading config).
func (s *MongoStore) Database() *mongo.Database {
	return s.db
}

// Ping checks connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *MongoStore) upsert(ctx context.Context, coll string, id interface{}, doc interface{}) error {
	_, err := s.db.Collection(coll).ReplaceOne(ctx,
		bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

// exchangePositionDoc wraps an ExchangePosition with its key as _id.
type exchangePositionDoc struct {
	ID                        string `bson:"_id"`
	position.ExchangePosition `bson:",inline"`
}

func (s *MongoStore) SaveExchangePosition(ctx context.Context, pos *position.ExchangePosition) error {
	return s.upsert(ctx, collPositions, pos.Key.String(), exchangePositionDoc{
		ID:               pos.Key.String(),
		ExchangePosition: *pos,
	})
}

func (s *MongoStore) SaveStrategyPosition(ctx context.Context, sp *position.StrategyPosition) error {
	return s.upsert(ctx, collStrategyPos, sp.ID, sp)
}

func (s *MongoStore) AppendContribution(ctx context.Context, c *position.Contribution) error {
	_, err := s.db.Collection(collContributions).InsertOne(ctx, c)
	return err
}

func (s *MongoStore) RecordDailyPnL(ctx context.Context, day string, pnl float64) error {
	_, err := s.db.Collection(collDailyPnL).UpdateOne(ctx,
		bson.M{"_id": day},
		bson.M{
			"$inc": bson.M{"realized_pnl": pnl},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) LoadOpenExchangePositions(ctx context.Context) ([]*position.ExchangePosition, error) {
	cursor, err := s.db.Collection(collPositions).Find(ctx, bson.M{"status": position.StatusOpen})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*position.ExchangePosition
	for cursor.Next(ctx) {
		var doc exchangePositionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		pos := doc.ExchangePosition
		out = append(out, &pos)
	}
	return out, cursor.Err()
}

func (s *MongoStore) LoadOpenStrategyPositions(ctx context.Context) ([]*position.StrategyPosition, error) {
	cursor, err := s.db.Collection(collStrategyPos).Find(ctx, bson.M{"status": position.StatusOpen})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*position.StrategyPosition
	for cursor.Next(ctx) {
		var sp position.StrategyPosition
		if err := cursor.Decode(&sp); err != nil {
			return nil, err
		}
		out = append(out, &sp)
	}
	return out, cursor.Err()
}

func (s *MongoStore) SavePair(ctx context.Context, pair *oco.Pair) error {
	return s.upsert(ctx, collOCOPairs, pair.ID, pair)
}

func (s *MongoStore) LoadActivePairs(ctx context.Context) ([]*oco.Pair, error) {
	cursor, err := s.db.Collection(collOCOPairs).Find(ctx, bson.M{
		"status": bson.M{"$in": []oco.PairStatus{oco.PairActive, oco.PairOneFilled}},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*oco.Pair
	for cursor.Next(ctx) {
		var pair oco.Pair
		if err := cursor.Decode(&pair); err != nil {
			return nil, err
		}
		out = append(out, &pair)
	}
	return out, cursor.Err()
}

// AppendAuditLog records one engine-level audit entry.
func (s *MongoStore) AppendAuditLog(ctx context.Context, kind string, data map[string]interface{}) error {
	_, err := s.db.Collection(collAuditLogs).InsertOne(ctx, bson.M{
		"kind":      kind,
		"data":      data,
		"timestamp": time.Now().UTC(),
	})
	return err
}

var (
	_ position.Repository = (*MongoStore)(nil)
	_ oco.Repository      = (*MongoStore)(nil)
)
