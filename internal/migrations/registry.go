package migrations

import (
	"context"
	"fmt"

	"github.com/PancyStudios/DiggerBotGo/pkg/logger"
)

// LeaderboardRebuilder is the part of the aggregate the migrations need.
type LeaderboardRebuilder interface {
	SeedIfEmpty(ctx context.Context) (int, error)
	Rebuild(ctx context.Context) (int, error)
}

// Default returns the migration history of the service.
func Default(agg LeaderboardRebuilder) []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "seed_global_stats",
			Up: func(ctx context.Context) error {
				n, err := agg.SeedIfEmpty(ctx)
				if err != nil {
					return err
				}
				logger.Info(fmt.Sprintf("global_stats sembrado con %d usuarios", n), "Migrations")
				return nil
			},
		},
		{
			// Sum-across-chats leaderboard, replaced by v3. Kept so deployed
			// version numbers stay meaningful.
			Version: 2,
			Name:    "total_points",
			Up:      func(context.Context) error { return nil },
		},
		{
			Version: 3,
			Name:    "best_points",
			Up: func(ctx context.Context) error {
				_, err := agg.Rebuild(ctx)
				return err
			},
		},
	}
}
