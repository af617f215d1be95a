package models

import (
	"strconv"
	"time"
)

// UnlimitedUses marks a promo code without a total use bound.
const UnlimitedUses = -1

// PromoCode is an admin-created reward code ("promocodes").
// UsedBy is keyed by the decimal user id.
type PromoCode struct {
	Code      string               `bson:"_id" json:"code"`
	Reward    int64                `bson:"reward" json:"reward"`
	MaxUses   int                  `bson:"max_uses" json:"max_uses"`
	UsedBy    map[string]time.Time `bson:"used_by" json:"used_by"`
	CreatedAt time.Time            `bson:"created_at" json:"created_at"`
	CreatedBy int64                `bson:"created_by,omitempty" json:"created_by,omitempty"`
}

// UserKey converts a user id into the UsedBy key.
func UserKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// UsedCount returns how many users redeemed the code.
func (p *PromoCode) UsedCount() int {
	return len(p.UsedBy)
}

// HasUsed reports whether the user already redeemed the code.
func (p *PromoCode) HasUsed(userID int64) bool {
	_, ok := p.UsedBy[UserKey(userID)]
	return ok
}

// Exhausted reports whether a finite code has no uses left.
func (p *PromoCode) Exhausted() bool {
	return p.MaxUses != UnlimitedUses && p.UsedCount() >= p.MaxUses
}
