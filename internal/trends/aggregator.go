package trends

import (
	"context"
	"fmt"
	"time"

	"github.com/radhub-qip/radhub/internal/database"
	apperrors "github.com/radhub-qip/radhub/internal/errors"
)

// Interval is the calendar granularity of a trend grid.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
)

// Mode selects which rating columns the averages are computed from.
type Mode string

const (
	ModeRaw  Mode = "raw"
	ModeNorm Mode = "norm"
)

// Period is one bucket of the trend grid. Averages are nil when no
// episode in the bucket carries that rating.
type Period struct {
	Key                string   `json:"period"`
	Count              int      `json:"count"`
	AvgQuality         *float64 `json:"avg_quality"`
	AvgAppropriateness *float64 `json:"avg_appropriateness"`
}

// Result is one page of trend history, oldest period first.
type Result struct {
	Interval Interval `json:"interval"`
	Mode     Mode     `json:"mode"`
	Page     int      `json:"page"`
	Periods  []Period `json:"periods"`
	HasMore  bool     `json:"has_more"`
}

// Aggregator buckets episodes into fixed calendar periods walking
// backward from now. The grid is generated independently of the data
// and left-joined against it, so empty periods still appear with zero
// counts.
type Aggregator struct {
	repo *database.Repository
	now  func() time.Time
}

// NewAggregator creates a trend aggregator.
func NewAggregator(repo *database.Repository) *Aggregator {
	return &Aggregator{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

const maxTrendLimit = 120

// Trends returns the page-th window of limit periods, counting back
// from now; page 0 is the most recent window.
func (a *Aggregator) Trends(ctx context.Context, interval Interval, mode Mode, limit, page int) (*Result, error) {
	switch interval {
	case IntervalDay, IntervalWeek, IntervalMonth:
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown interval %q", interval))
	}
	switch mode {
	case ModeRaw, ModeNorm:
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown mode %q", mode))
	}
	if limit < 1 || limit > maxTrendLimit {
		return nil, apperrors.NewValidationError(fmt.Sprintf("limit must be between 1 and %d", maxTrendLimit))
	}
	if page < 0 {
		return nil, apperrors.NewValidationError("page must not be negative")
	}

	// Walk the full grid back from now, then keep the requested page:
	// the oldest limit periods of the generated span.
	total := limit * (page + 1)
	starts := make([]time.Time, total)
	start := bucketStart(interval, a.now())
	for i := 0; i < total; i++ {
		starts[i] = start
		start = prevBucket(interval, start)
	}
	pageStarts := starts[page*limit : (page+1)*limit]
	oldest := starts[total-1]

	buckets, err := a.loadBuckets(ctx, interval, mode, pageStarts[len(pageStarts)-1])
	if err != nil {
		return nil, err
	}

	periods := make([]Period, 0, limit)
	for i := len(pageStarts) - 1; i >= 0; i-- {
		key := bucketKey(interval, pageStarts[i])
		p := Period{Key: key}
		if b, ok := buckets[key]; ok {
			p.Count = b.count
			p.AvgQuality = b.avg(b.qualitySum, b.qualityN)
			p.AvgAppropriateness = b.avg(b.appropriatenessSum, b.appropriatenessN)
		}
		periods = append(periods, p)
	}

	earliest, err := a.repo.EarliestEpisodeTime(ctx)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to check episode history", err)
	}

	return &Result{
		Interval: interval,
		Mode:     mode,
		Page:     page,
		Periods:  periods,
		HasMore:  earliest != nil && earliest.Before(oldest),
	}, nil
}

type bucket struct {
	count              int
	qualitySum         float64
	qualityN           int
	appropriatenessSum float64
	appropriatenessN   int
}

func (b *bucket) avg(sum float64, n int) *float64 {
	if n == 0 {
		return nil
	}
	v := sum / float64(n)
	return &v
}

// loadBuckets pre-aggregates episodes per calendar day in one grouped
// query, then folds the days into the requested granularity. The fold
// happens here because SQLite has no ISO-8601 week function.
func (a *Aggregator) loadBuckets(ctx context.Context, interval Interval, mode Mode, since time.Time) (map[string]*bucket, error) {
	qualityCol, appropriatenessCol := "raw_quality", "raw_appropriateness"
	if mode == ModeNorm {
		qualityCol, appropriatenessCol = "norm_quality", "norm_appropriateness"
	}

	query := fmt.Sprintf(`
		SELECT strftime('%%Y-%%m-%%d', created_at) AS day,
			COUNT(*),
			SUM(%[1]s), COUNT(%[1]s),
			SUM(%[2]s), COUNT(%[2]s)
		FROM episodes
		WHERE created_at >= ?
		GROUP BY day
	`, qualityCol, appropriatenessCol)

	rows, err := a.repo.DB().QueryContext(ctx, query, since)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to query trend buckets", err)
	}
	defer rows.Close()

	buckets := make(map[string]*bucket)
	for rows.Next() {
		var day string
		var count, qualityN, appropriatenessN int
		var qualitySum, appropriatenessSum *float64
		if err := rows.Scan(&day, &count, &qualitySum, &qualityN, &appropriatenessSum, &appropriatenessN); err != nil {
			return nil, apperrors.NewPersistenceError("failed to scan trend bucket", err)
		}

		t, err := time.ParseInLocation("2006-01-02", day, time.UTC)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to parse bucket day", err)
		}
		key := bucketKey(interval, bucketStart(interval, t))

		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.count += count
		if qualitySum != nil {
			b.qualitySum += *qualitySum
			b.qualityN += qualityN
		}
		if appropriatenessSum != nil {
			b.appropriatenessSum += *appropriatenessSum
			b.appropriatenessN += appropriatenessN
		}
	}
	return buckets, rows.Err()
}

// bucketStart truncates a time to the start of its period: midnight,
// the ISO-week Monday, or the first of the month. All in UTC.
func bucketStart(interval Interval, t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	switch interval {
	case IntervalWeek:
		wd := int(day.Weekday())
		if wd == 0 {
			wd = 7
		}
		return day.AddDate(0, 0, -(wd - 1))
	case IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

func prevBucket(interval Interval, start time.Time) time.Time {
	switch interval {
	case IntervalWeek:
		return start.AddDate(0, 0, -7)
	case IntervalMonth:
		return start.AddDate(0, -1, 0)
	default:
		return start.AddDate(0, 0, -1)
	}
}

func bucketKey(interval Interval, start time.Time) string {
	switch interval {
	case IntervalWeek:
		// ISO-8601 week: the year is the ISO year, which differs from
		// the calendar year around new year.
		year, week := start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case IntervalMonth:
		return start.Format("2006-01")
	default:
		return start.Format("2006-01-02")
	}
}
