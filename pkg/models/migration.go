package models

import "time"

// Document ids inside the "migrations" collection.
const (
	MigrationLockID    = "lock"
	MigrationVersionID = "version"
)

// MigrationLock guards the startup migration run across instances.
type MigrationLock struct {
	ID       string    `bson:"_id"`
	Locked   bool      `bson:"locked"`
	LockedAt time.Time `bson:"locked_at"`
}

// MigrationVersion is the last schema version applied.
type MigrationVersion struct {
	ID         string    `bson:"_id"`
	Version    int       `bson:"version"`
	MigratedAt time.Time `bson:"migrated_at"`
}
