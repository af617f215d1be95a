// Package events publishes game activity to the message broker and serves
// admin requests arriving over it.
package events

import (
	"context"
	"time"
)

// Type names an event.
type Type string

const (
	TypeDig      Type = "dig"
	TypeBoxStart Type = "box_start"
	TypeBoxOpen  Type = "box_open"
	TypePromo    Type = "promo"
	TypeGive     Type = "give"
	TypeReset    Type = "reset"
	TypeRebuild  Type = "rebuild"
)

// Event is one state change of the economy.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	ChatID  int64     `json:"chat_id,omitempty"`
	UserID  int64     `json:"user_id,omitempty"`
	Delta   int64     `json:"delta"`
	Balance int64     `json:"balance"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher delivers events. Publish must not block the caller on the broker.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
