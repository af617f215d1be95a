package database

import (
	"time"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
	"github.com/PancyStudios/DiggerBotGo/pkg/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// claimFilter matches the row when it has never been claimed or its claim
// is older than cutoff.
func claimFilter(id string, cutoff time.Time) bson.M {
	return bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"claimed_at": bson.M{"$exists": false}},
			bson.M{"claimed_at": nil},
			bson.M{"claimed_at": bson.M{"$lt": cutoff}},
		},
	}
}

func claimUpdate(now time.Time, requestID string) bson.M {
	return bson.M{
		"$set": bson.M{
			"claimed_at": now,
			"locked":     true,
			"request_id": requestID,
		},
		"$unset": bson.M{"last_delta": ""},
	}
}

// incrementUpdate never sets the same path in $set and $setOnInsert.
func incrementUpdate(inc models.BalanceIncrement) bson.M {
	set := bson.M{"updated_at": inc.At}
	onInsert := bson.M{"chat_id": inc.ChatID, "user_id": inc.UserID}
	if inc.DisplayName != "" {
		set["display_name"] = inc.DisplayName
	} else {
		onInsert["display_name"] = ""
	}
	if inc.LastAction != "" {
		set["last_action_kind"] = inc.LastAction
	}
	return bson.M{
		"$inc":         bson.M{"points": inc.Delta},
		"$set":         set,
		"$setOnInsert": onInsert,
	}
}

func usedByPath(userID int64) string {
	return "used_by." + models.UserKey(userID)
}

// redeemFilter matches a code the user has not used and that still has room.
func redeemFilter(code string, userID int64) bson.M {
	filter := bson.M{
		"_id": code,
		"$or": bson.A{
			bson.M{"max_uses": models.UnlimitedUses},
			bson.M{"$expr": bson.M{"$lt": bson.A{usedCountExpr(), "$max_uses"}}},
		},
	}
	filter[usedByPath(userID)] = bson.M{"$exists": false}
	return filter
}

func exhaustedFilter() bson.M {
	return bson.M{
		"max_uses": bson.M{"$ne": models.UnlimitedUses},
		"$expr":    bson.M{"$gte": bson.A{usedCountExpr(), "$max_uses"}},
	}
}

func usedCountExpr() bson.M {
	return bson.M{"$size": bson.M{"$objectToArray": bson.M{"$ifNull": bson.A{"$used_by", bson.M{}}}}}
}

// maxUpdate raises best_points and refreshes the name when one is given.
func maxUpdate(value int64, displayName string, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	update := bson.M{
		"$max": bson.M{"best_points": value},
		"$set": set,
	}
	if displayName != "" {
		set["display_name"] = displayName
	} else {
		update["$setOnInsert"] = bson.M{"display_name": ""}
	}
	return update
}

// foldPipeline groups chat balances per user. Sorting by updated_at first
// makes $last pick the most recent display name.
func foldPipeline(reducer store.Reducer, limit int) mongo.Pipeline {
	op := "$max"
	if reducer == store.ReducerSum {
		op = "$sum"
	}
	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "updated_at", Value: 1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$user_id"},
			{Key: "best_points", Value: bson.M{op: "$points"}},
			{Key: "display_name", Value: bson.M{"$last": "$display_name"}},
			{Key: "updated_at", Value: bson.M{"$last": "$updated_at"}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "best_points", Value: -1}, {Key: "_id", Value: 1}}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}
	return pipeline
}

func chatStatsPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$chat_id"},
			{Key: "players", Value: bson.M{"$sum": 1}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "chats", Value: bson.M{"$sum": 1}},
			{Key: "records", Value: bson.M{"$sum": "$players"}},
			{Key: "max_chat_players", Value: bson.M{"$max": "$players"}},
		}}},
	}
}

func lockFilter(staleBefore time.Time) bson.M {
	return bson.M{
		"_id": models.MigrationLockID,
		"$or": bson.A{
			bson.M{"locked": bson.M{"$exists": false}},
			bson.M{"locked": false},
			bson.M{"locked_at": bson.M{"$lt": staleBefore}},
		},
	}
}
