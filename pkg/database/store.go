package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Server error codes meaning the deployment cannot evaluate a query feature,
// e.g. $expr on older servers or Mongo-compatible services.
var unsupportedCodes = []int{115, 168, 224}

// MongoStore implements store.Store on MongoDB.
type MongoStore struct {
	db *Database

	claims     *DataManager[models.Claim]
	balances   *DataManager[models.ChatBalance]
	promos     *DataManager[models.PromoCode]
	aggregates *DataManager[models.GlobalStat]
}

var _ store.Store = (*MongoStore)(nil)

// NewMongoStore wraps a connected Database.
func NewMongoStore(db *Database) *MongoStore {
	return &MongoStore{
		db:         db,
		claims:     NewDataManager[models.Claim](store.CollectionCooldowns, db),
		balances:   NewDataManager[models.ChatBalance](store.CollectionBalances, db),
		promos:     NewDataManager[models.PromoCode](store.CollectionPromos, db),
		aggregates: NewDataManager[models.GlobalStat](store.CollectionGlobalStats, db),
	}
}

func (s *MongoStore) col(name string) (*mongo.Collection, error) {
	col := s.db.GetCollection(name)
	if col == nil {
		return nil, fmt.Errorf("database not connected (%s)", name)
	}
	return col, nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", store.ErrDuplicateKey, err)
	}
	return err
}

func isUnsupported(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range unsupportedCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}
	return false
}

// retryDuplicate repeats idempotent upserts that lost a first-insert race.
func retryDuplicate(fn func() error) error {
	err := fn()
	if err != nil && mongo.IsDuplicateKeyError(err) {
		err = fn()
	}
	return mapWriteError(err)
}

// ===== Cooldowns =====

func (s *MongoStore) ClaimIfExpired(ctx context.Context, key models.ClaimKey, now, cutoff time.Time, requestID string) (bool, error) {
	col, err := s.col(store.CollectionCooldowns)
	if err != nil {
		return false, err
	}

	res, err := col.UpdateOne(ctx, claimFilter(key.ID(), cutoff), claimUpdate(now, requestID))
	if err != nil {
		return false, mapWriteError(err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	existing, err := s.claims.Get(ctx, bson.M{"_id": key.ID()}, options.FindOne().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	if _, err := col.InsertOne(ctx, models.NewClaim(key, now, requestID)); err != nil {
		return false, mapWriteError(err)
	}
	return true, nil
}

func (s *MongoStore) GetClaim(ctx context.Context, key models.ClaimKey) (*models.Claim, error) {
	return s.claims.Get(ctx, bson.M{"_id": key.ID()})
}

func (s *MongoStore) updateClaim(ctx context.Context, id string, update bson.M) error {
	col, err := s.col(store.CollectionCooldowns)
	if err != nil {
		return err
	}
	res, err := col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *MongoStore) FinishClaim(ctx context.Context, key models.ClaimKey, delta int64) error {
	return s.updateClaim(ctx, key.ID(), bson.M{"$set": bson.M{"locked": false, "last_delta": delta}})
}

func (s *MongoStore) ReleaseClaim(ctx context.Context, key models.ClaimKey) error {
	return s.updateClaim(ctx, key.ID(), bson.M{"$set": bson.M{"locked": false}})
}

func (s *MongoStore) DeleteClaims(ctx context.Context, userID int64) (int64, error) {
	col, err := s.col(store.CollectionCooldowns)
	if err != nil {
		return 0, err
	}
	res, err := col.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) SaveBoxMapping(ctx context.Context, userID int64, mapping map[string]models.BoxOutcome) error {
	return s.updateClaim(ctx, models.BoxKey(userID).ID(), bson.M{
		"$set":   bson.M{"box_mapping": mapping, "pending": true},
		"$unset": bson.M{"opened_at": ""},
	})
}

func (s *MongoStore) ConsumeBoxToken(ctx context.Context, userID int64, token string, now time.Time) (models.BoxOutcome, bool, error) {
	if token == "" || strings.ContainsAny(token, ".$") {
		return "", false, nil
	}
	col, err := s.col(store.CollectionCooldowns)
	if err != nil {
		return "", false, err
	}

	filter := bson.M{
		"_id":                  models.BoxKey(userID).ID(),
		"box_mapping." + token: bson.M{"$exists": true},
	}
	update := bson.M{
		"$unset": bson.M{"box_mapping": "", "pending": ""},
		"$set":   bson.M{"opened_at": now},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before models.Claim
	if err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, err
	}
	return before.BoxMapping[token], true, nil
}

// ===== Balances =====

func (s *MongoStore) IncrementBalance(ctx context.Context, inc models.BalanceIncrement) (int64, error) {
	col, err := s.col(store.CollectionBalances)
	if err != nil {
		return 0, err
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var after models.ChatBalance
	err = col.FindOneAndUpdate(ctx, bson.M{"_id": models.BalanceID(inc.ChatID, inc.UserID)}, incrementUpdate(inc), opts).Decode(&after)
	if err != nil {
		return 0, mapWriteError(err)
	}
	return after.Points, nil
}

func (s *MongoStore) SetBalance(ctx context.Context, rec models.ChatBalance) error {
	col, err := s.col(store.CollectionBalances)
	if err != nil {
		return err
	}
	rec.ID = models.BalanceID(rec.ChatID, rec.UserID)
	_, err = col.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return mapWriteError(err)
}

func (s *MongoStore) GetBalance(ctx context.Context, chatID, userID int64) (*models.ChatBalance, error) {
	return s.balances.Get(ctx, bson.M{"_id": models.BalanceID(chatID, userID)})
}

func (s *MongoStore) UserBalances(ctx context.Context, userID int64) ([]models.ChatBalance, error) {
	return s.balances.GetAll(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "chat_id", Value: 1}}))
}

func (s *MongoStore) ChatRank(ctx context.Context, chatID, userID int64) (int64, int64, error) {
	total, err := s.balances.Count(ctx, bson.M{"chat_id": chatID})
	if err != nil {
		return 0, 0, err
	}
	self, err := s.GetBalance(ctx, chatID, userID)
	if err != nil || self == nil {
		return 0, total, err
	}
	above, err := s.balances.Count(ctx, bson.M{"chat_id": chatID, "points": bson.M{"$gt": self.Points}})
	if err != nil {
		return 0, 0, err
	}
	return above + 1, total, nil
}

func (s *MongoStore) FoldBalances(ctx context.Context, reducer store.Reducer, limit int) ([]models.GlobalStat, error) {
	return NewDataManager[models.GlobalStat](store.CollectionBalances, s.db).Aggregate(ctx, foldPipeline(reducer, limit))
}

func (s *MongoStore) ChatStats(ctx context.Context) (models.ChatStats, error) {
	type row struct {
		Chats          int64 `bson:"chats"`
		Records        int64 `bson:"records"`
		MaxChatPlayers int64 `bson:"max_chat_players"`
	}
	rows, err := NewDataManager[row](store.CollectionBalances, s.db).Aggregate(ctx, chatStatsPipeline())
	if err != nil || len(rows) == 0 {
		return models.ChatStats{}, err
	}
	return models.ChatStats{Chats: rows[0].Chats, Records: rows[0].Records, MaxChatPlayers: rows[0].MaxChatPlayers}, nil
}

// ===== Promo codes =====

func (s *MongoStore) CreatePromo(ctx context.Context, promo models.PromoCode) error {
	col, err := s.col(store.CollectionPromos)
	if err != nil {
		return err
	}
	if promo.UsedBy == nil {
		promo.UsedBy = make(map[string]time.Time)
	}
	if _, err := col.InsertOne(ctx, promo); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrPromoExists
		}
		return err
	}
	return nil
}

func (s *MongoStore) GetPromo(ctx context.Context, code string) (*models.PromoCode, error) {
	return s.promos.Get(ctx, bson.M{"_id": code})
}

func (s *MongoStore) RedeemPromo(ctx context.Context, code string, userID int64, now time.Time) (bool, error) {
	col, err := s.col(store.CollectionPromos)
	if err != nil {
		return false, err
	}
	res, err := col.UpdateOne(ctx, redeemFilter(code, userID), bson.M{"$set": bson.M{usedByPath(userID): now}})
	if err != nil {
		if isUnsupported(err) {
			return false, store.ErrFilterUnsupported
		}
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (s *MongoStore) setPromoField(ctx context.Context, code string, update bson.M) error {
	col, err := s.col(store.CollectionPromos)
	if err != nil {
		return err
	}
	res, err := col.UpdateOne(ctx, bson.M{"_id": code}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *MongoStore) MarkPromoUsed(ctx context.Context, code string, userID int64, now time.Time) error {
	return s.setPromoField(ctx, code, bson.M{"$set": bson.M{usedByPath(userID): now}})
}

func (s *MongoStore) UnmarkPromoUse(ctx context.Context, code string, userID int64) error {
	return s.setPromoField(ctx, code, bson.M{"$unset": bson.M{usedByPath(userID): ""}})
}

func (s *MongoStore) ListPromos(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.GetAll(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *MongoStore) DeleteExhaustedPromos(ctx context.Context) (int64, error) {
	col, err := s.col(store.CollectionPromos)
	if err != nil {
		return 0, err
	}
	res, err := col.DeleteMany(ctx, exhaustedFilter())
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// ===== Global aggregate =====

func (s *MongoStore) MaxAggregate(ctx context.Context, userID, value int64, displayName string, now time.Time) error {
	col, err := s.col(store.CollectionGlobalStats)
	if err != nil {
		return err
	}
	return retryDuplicate(func() error {
		_, err := col.UpdateOne(ctx, bson.M{"_id": userID}, maxUpdate(value, displayName, now), options.Update().SetUpsert(true))
		return err
	})
}

func (s *MongoStore) TopAggregates(ctx context.Context, n int) ([]models.GlobalStat, error) {
	opts := options.Find().SetSort(bson.D{{Key: "best_points", Value: -1}, {Key: "_id", Value: 1}})
	if n > 0 {
		opts.SetLimit(int64(n))
	}
	return s.aggregates.GetAll(ctx, bson.M{}, opts)
}

func (s *MongoStore) GetAggregate(ctx context.Context, userID int64) (*models.GlobalStat, error) {
	return s.aggregates.Get(ctx, bson.M{"_id": userID})
}

func (s *MongoStore) CountAggregates(ctx context.Context) (int64, error) {
	return s.aggregates.Count(ctx, bson.M{})
}

func (s *MongoStore) ClearAggregates(ctx context.Context) error {
	col, err := s.col(store.CollectionGlobalStats)
	if err != nil {
		return err
	}
	_, err = col.DeleteMany(ctx, bson.M{})
	return err
}

func (s *MongoStore) MergeAggregates(ctx context.Context, stats []models.GlobalStat) error {
	if len(stats) == 0 {
		return nil
	}
	col, err := s.col(store.CollectionGlobalStats)
	if err != nil {
		return err
	}
	writes := make([]mongo.WriteModel, 0, len(stats))
	for _, st := range stats {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": st.UserID}).
			SetUpdate(maxUpdate(st.BestPoints, st.DisplayName, st.UpdatedAt)).
			SetUpsert(true))
	}
	return retryDuplicate(func() error {
		_, err := col.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
		return err
	})
}

// ===== Migrations =====

func (s *MongoStore) AcquireMigrationLock(ctx context.Context, now, staleBefore time.Time) (bool, error) {
	col, err := s.col(store.CollectionMigrations)
	if err != nil {
		return false, err
	}
	update := bson.M{"$set": bson.M{"locked": true, "locked_at": now}}
	res, err := col.UpdateOne(ctx, lockFilter(staleBefore), update, options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// The lock document exists and is held.
			return false, nil
		}
		return false, err
	}
	return res.MatchedCount+res.UpsertedCount == 1, nil
}

func (s *MongoStore) ReleaseMigrationLock(ctx context.Context) error {
	col, err := s.col(store.CollectionMigrations)
	if err != nil {
		return err
	}
	_, err = col.UpdateOne(ctx, bson.M{"_id": models.MigrationLockID}, bson.M{"$set": bson.M{"locked": false}})
	return err
}

func (s *MongoStore) MigrationVersion(ctx context.Context) (int, error) {
	doc, err := NewDataManager[models.MigrationVersion](store.CollectionMigrations, s.db).Get(ctx, bson.M{"_id": models.MigrationVersionID})
	if err != nil || doc == nil {
		return 0, err
	}
	return doc.Version, nil
}

func (s *MongoStore) SetMigrationVersion(ctx context.Context, version int, at time.Time) error {
	col, err := s.col(store.CollectionMigrations)
	if err != nil {
		return err
	}
	_, err = col.UpdateOne(ctx,
		bson.M{"_id": models.MigrationVersionID},
		bson.M{"$set": bson.M{"version": version, "migrated_at": at}},
		options.Update().SetUpsert(true),
	)
	return err
}

// ===== Lifecycle =====

// EnsureIndexes creates the secondary indexes the queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		store.CollectionCooldowns: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		store.CollectionBalances: {
			{Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "points", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
		store.CollectionGlobalStats: {
			{Keys: bson.D{{Key: "best_points", Value: -1}}},
		},
	}
	for name, indexes := range specs {
		col, err := s.col(name)
		if err != nil {
			return err
		}
		if _, err := col.Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("create indexes on %s: %w", name, err)
		}
	}
	logger.System("Índices verificados", "DB")
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) (time.Duration, error) {
	return s.db.Ping(ctx)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Disconnect(ctx)
}
