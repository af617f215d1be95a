package models

import (
	"fmt"
	"strconv"
	"time"
)

// ActionKind identifies a cooldown-gated action
type ActionKind string

const (
	KindDig ActionKind = "dig"
	KindBox ActionKind = "box"
)

// GlobalScope is the scope of actions that are not tied to a chat.
const GlobalScope = "global"

// BoxOutcome is the hidden result behind a box token
type BoxOutcome string

const (
	OutcomeWin   BoxOutcome = "win"
	OutcomeLose  BoxOutcome = "lose"
	OutcomeEmpty BoxOutcome = "empty"
)

// ClaimKey addresses one cooldown row.
type ClaimKey struct {
	UserID int64
	Kind   ActionKind
	Scope  string
}

// DigKey returns the key of a per-chat dig cooldown.
func DigKey(userID, chatID int64) ClaimKey {
	return ClaimKey{UserID: userID, Kind: KindDig, Scope: strconv.FormatInt(chatID, 10)}
}

// BoxKey returns the key of the global box cooldown.
func BoxKey(userID int64) ClaimKey {
	return ClaimKey{UserID: userID, Kind: KindBox, Scope: GlobalScope}
}

// ID returns the document id of the key.
func (k ClaimKey) ID() string {
	return fmt.Sprintf("%d:%s:%s", k.UserID, k.Kind, k.Scope)
}

func (k ClaimKey) String() string { return k.ID() }

// Claim is a cooldown row in the "cooldowns" collection.
// Expiry is judged by ClaimedAt alone; Locked is advisory.
type Claim struct {
	ID         string                `bson:"_id" json:"id"`
	UserID     int64                 `bson:"user_id" json:"user_id"`
	Kind       ActionKind            `bson:"kind" json:"kind"`
	Scope      string                `bson:"scope" json:"scope"`
	ClaimedAt  time.Time             `bson:"claimed_at" json:"claimed_at"`
	Locked     bool                  `bson:"locked" json:"locked"`
	RequestID  string                `bson:"request_id,omitempty" json:"request_id,omitempty"`
	LastDelta  *int64                `bson:"last_delta,omitempty" json:"last_delta,omitempty"`
	Pending    bool                  `bson:"pending,omitempty" json:"pending,omitempty"`
	BoxMapping map[string]BoxOutcome `bson:"box_mapping,omitempty" json:"-"`
	OpenedAt   *time.Time            `bson:"opened_at,omitempty" json:"opened_at,omitempty"`
}

// Key returns the ClaimKey of the row.
func (c *Claim) Key() ClaimKey {
	return ClaimKey{UserID: c.UserID, Kind: c.Kind, Scope: c.Scope}
}

// NewClaim builds a freshly claimed row.
func NewClaim(key ClaimKey, now time.Time, requestID string) Claim {
	return Claim{
		ID:        key.ID(),
		UserID:    key.UserID,
		Kind:      key.Kind,
		Scope:     key.Scope,
		ClaimedAt: now,
		Locked:    true,
		RequestID: requestID,
	}
}
