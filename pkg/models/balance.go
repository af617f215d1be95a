package models

import (
	"fmt"
	"time"
)

// LastAction records how the previous dig ended
type LastAction string

const (
	ActionNone   LastAction = "none"
	ActionNormal LastAction = "normal"
	ActionFail   LastAction = "fail"
	ActionSuper  LastAction = "super"
)

// ChatBalance is a participant's balance inside one chat ("chat_balances").
// Points may be negative.
type ChatBalance struct {
	ID          string     `bson:"_id" json:"-"`
	ChatID      int64      `bson:"chat_id" json:"chat_id"`
	UserID      int64      `bson:"user_id" json:"user_id"`
	Points      int64      `bson:"points" json:"points"`
	DisplayName string     `bson:"display_name" json:"display_name"`
	LastAction  LastAction `bson:"last_action_kind,omitempty" json:"last_action_kind,omitempty"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
}

// BalanceID returns the document id for a (chat, user) pair.
func BalanceID(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}

// BalanceIncrement describes one atomic increment of a chat balance.
type BalanceIncrement struct {
	ChatID      int64
	UserID      int64
	Delta       int64
	DisplayName string
	LastAction  LastAction // left untouched when empty
	At          time.Time
}

// ChatStats summarises how many balances each chat holds.
type ChatStats struct {
	Chats          int64 `json:"chats"`
	Records        int64 `json:"records"`
	MaxChatPlayers int64 `json:"max_chat_players"`
}
