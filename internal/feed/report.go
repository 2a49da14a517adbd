package feed

import (
	"fmt"
	"time"

	"github.com/skridlevsky/expert-voter/internal/vk"
)

const reportTimeLayout = "2006-01-02 15:04:05"

// FormatStatusLine renders the periodic status report:
//
//	(First Last: IT) [2024-03-01 12:00:00 BaseStrategy] Loop #5. Rating: 120. Votes/skips - 14/3
func FormatStatusLine(now time.Time, card *vk.ExpertCard, categoryID int, strategyName string, iteration, votes, skipped int) string {
	return fmt.Sprintf("(%s: %s) [%s %s] Loop #%d. Rating: %d. Votes/skips - %d/%d",
		card.DisplayName(),
		CategoryLabel(categoryID),
		now.Format(reportTimeLayout),
		strategyName,
		iteration,
		card.Points,
		votes,
		skipped,
	)
}
