package store

import (
	"sort"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
)

// Fold groups balances by user with the reducer. The display name comes from
// the most recently updated row. Results are ordered like SortStats.
func Fold(rows []models.ChatBalance, reducer Reducer, limit int) []models.GlobalStat {
	type acc struct {
		stat models.GlobalStat
		seen bool
	}
	byUser := make(map[int64]*acc)
	for _, b := range rows {
		a, ok := byUser[b.UserID]
		if !ok {
			a = &acc{stat: models.GlobalStat{UserID: b.UserID}}
			byUser[b.UserID] = a
		}
		switch {
		case !a.seen:
			a.stat.BestPoints = b.Points
		case reducer == ReducerSum:
			a.stat.BestPoints += b.Points
		case b.Points > a.stat.BestPoints:
			a.stat.BestPoints = b.Points
		}
		if !a.seen || b.UpdatedAt.After(a.stat.UpdatedAt) {
			a.stat.DisplayName = b.DisplayName
			a.stat.UpdatedAt = b.UpdatedAt
		}
		a.seen = true
	}

	out := make([]models.GlobalStat, 0, len(byUser))
	for _, a := range byUser {
		out = append(out, a.stat)
	}
	SortStats(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SortStats orders by points descending, then by user id.
func SortStats(stats []models.GlobalStat) {
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].BestPoints != stats[j].BestPoints {
			return stats[i].BestPoints > stats[j].BestPoints
		}
		return stats[i].UserID < stats[j].UserID
	})
}
