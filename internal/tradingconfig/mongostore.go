package tradingconfig

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists the override tree in four collections:
// trading_configs_global (single document), trading_configs_symbol,
// trading_configs_symbol_side and trading_configs_audit.
type MongoStore struct {
	global     *mongo.Collection
	symbol     *mongo.Collection
	symbolSide *mongo.Collection
	audit      *mongo.Collection
}

// NewMongoStore wires the trading config collections from a database handle.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		global:     db.Collection("trading_configs_global"),
		symbol:     db.Collection("trading_configs_symbol"),
		symbolSide: db.Collection("trading_configs_symbol_side"),
		audit:      db.Collection("trading_configs_audit"),
	}
}

const globalDocID = "global"

type overrideDoc struct {
	ID       string    `bson:"_id"`
	Override *Override `bson:"override"`
}

func loadOverride(ctx context.Context, coll *mongo.Collection, id string) (*Override, error) {
	var doc overrideDoc
	err := coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Override, nil
}

func saveOverride(ctx context.Context, coll *mongo.Collection, id string, o *Override) error {
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id},
		overrideDoc{ID: id, Override: o},
		options.Replace().SetUpsert(true))
	return err
}

func deleteOverride(ctx context.Context, coll *mongo.Collection, id string) error {
	res, err := coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrOverrideNotFound
	}
	return nil
}

func (s *MongoStore) LoadGlobal(ctx context.Context) (*Override, error) {
	return loadOverride(ctx, s.global, globalDocID)
}

func (s *MongoStore) LoadSymbol(ctx context.Context, symbol string) (*Override, error) {
	return loadOverride(ctx, s.symbol, symbol)
}

func (s *MongoStore) LoadSymbolSide(ctx context.Context, symbol, side string) (*Override, error) {
	return loadOverride(ctx, s.symbolSide, symbol+":"+side)
}

func (s *MongoStore) SaveGlobal(ctx context.Context, o *Override) error {
	return saveOverride(ctx, s.global, globalDocID, o)
}

func (s *MongoStore) SaveSymbol(ctx context.Context, symbol string, o *Override) error {
	return saveOverride(ctx, s.symbol, symbol, o)
}

func (s *MongoStore) SaveSymbolSide(ctx context.Context, symbol, side string, o *Override) error {
	return saveOverride(ctx, s.symbolSide, symbol+":"+side, o)
}

func (s *MongoStore) DeleteSymbol(ctx context.Context, symbol string) error {
	return deleteOverride(ctx, s.symbol, symbol)
}

func (s *MongoStore) DeleteSymbolSide(ctx context.Context, symbol, side string) error {
	return deleteOverride(ctx, s.symbolSide, symbol+":"+side)
}

func (s *MongoStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.audit.InsertOne(ctx, entry)
	return err
}

var _ Store = (*MongoStore)(nil)
