package reports

import "github.com/yungusdotcom/thrive-dashboard/models"

// BucketTickets splits tickets across the given periods. A ticket lands in
// the first period containing its sale time; tickets outside every period
// are dropped. With non-overlapping periods the result matches filtering
// per period, so one bulk fetch summarizes exactly like per-period fetches.
func BucketTickets(tickets []models.Ticket, periods []Period) [][]models.Ticket {
	buckets := make([][]models.Ticket, len(periods))
	for _, ticket := range tickets {
		for i, period := range periods {
			if period.Contains(ticket.SoldAt) {
				buckets[i] = append(buckets[i], ticket)
				break
			}
		}
	}
	return buckets
}

// SummarizeByPeriod buckets and summarizes in one pass. Empty buckets
// produce zero-valued summaries, so callers always get len(periods)
// results in period order.
func SummarizeByPeriod(tickets []models.Ticket, periods []Period) []models.Summary {
	buckets := BucketTickets(tickets, periods)
	summaries := make([]models.Summary, len(periods))
	for i, bucket := range buckets {
		summaries[i] = Summarize(bucket)
	}
	return summaries
}
