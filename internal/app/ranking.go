package app

import (
	"sort"
	"time"

	"quiz-arena-gateway/internal/domain"
)

// topTierSize is how many entries make the "top performers" tier.
const topTierSize = 3

// RankEntries turns an unordered collection of results into the tiered
// leaderboard view: stable sort by score descending then time taken
// ascending, positional 1-based ranks with no gaps or shared ranks, a top
// tier of at most three, and the viewer's row exposed separately.
//
// The input is never mutated; callers that received the split top_3/others
// shape concatenate it before calling (the boundary decoder does this).
func RankEntries(quizID string, entries []domain.LeaderboardEntry, now time.Time) domain.RankedBoard {
	ranked := make([]domain.LeaderboardEntry, len(entries))
	copy(ranked, entries)

	// Stable keeps the original relative order as the final tiebreak for
	// equal (score, time) pairs, so repeated runs agree.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].TimeTaken < ranked[j].TimeTaken
	})

	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	split := topTierSize
	if split > len(ranked) {
		split = len(ranked)
	}

	board := domain.RankedBoard{
		QuizID:          quizID,
		TopThree:        ranked[:split],
		Remaining:       ranked[split:],
		HasParticipants: len(ranked) > 0,
		UpdatedAt:       now,
	}

	// At most one entry should claim the viewer; a duplicate claim is a data
	// contract violation, resolved by taking the first match.
	for i := range ranked {
		if ranked[i].IsCurrentUser {
			board.CurrentUser = &ranked[i]
			break
		}
	}
	return board
}
