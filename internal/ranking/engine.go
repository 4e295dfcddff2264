package ranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/radhub-qip/radhub/internal/database"
	apperrors "github.com/radhub-qip/radhub/internal/errors"
	"github.com/radhub-qip/radhub/internal/scoring"
)

// Metric selects which figure a ranking is ordered by.
type Metric string

const (
	MetricScore              Metric = "score"
	MetricPctAccepted        Metric = "pct_accepted"
	MetricPctRejected        Metric = "pct_rejected"
	MetricPctDelayed         Metric = "pct_delayed"
	MetricAvgQuality         Metric = "avg_quality"
	MetricAvgAppropriateness Metric = "avg_appropriateness"
)

// ParseMetric validates a metric name from the request path.
func ParseMetric(s string) (Metric, bool) {
	switch Metric(s) {
	case MetricScore, MetricPctAccepted, MetricPctRejected, MetricPctDelayed,
		MetricAvgQuality, MetricAvgAppropriateness:
		return Metric(s), true
	}
	return "", false
}

// Filter restricts a ranking to one hospital or specialty population.
// Empty fields match everything.
type Filter struct {
	Hospital  string
	Specialty string
}

func (f Filter) key(metric Metric) string {
	return string(metric) + "|" + f.Hospital + "|" + f.Specialty
}

// Entry is one row of a ranking. A Gap entry is a sentinel separating
// the top block from a window further down the table; all its other
// fields are zero.
type Entry struct {
	Rank          int     `json:"rank,omitempty"`
	GMC           string  `json:"gmc,omitempty"`
	Name          *string `json:"name,omitempty"`
	Hospital      *string `json:"hospital,omitempty"`
	Specialty     *string `json:"specialty,omitempty"`
	Grade         *string `json:"grade,omitempty"`
	Points        int     `json:"points"`
	TotalRequests int     `json:"total_requests"`
	Value         float64 `json:"value"`
	IsTarget      bool    `json:"is_you,omitempty"`
	Gap           bool    `json:"gap,omitempty"`
}

// Window is a ranking excerpt centered on one requester, plus their
// standing in the whole table.
type Window struct {
	Metric     Metric  `json:"metric"`
	Entries    []Entry `json:"entries"`
	Percentile *int    `json:"percentile"`
	Total      int     `json:"total"`
}

// Engine computes requester rankings from a single aggregated pass over
// the episode table. Results are cached per metric; the cache is
// invalidated on every episode write.
type Engine struct {
	repo  *database.Repository
	cache *rankingCache
}

// NewEngine creates a ranking engine.
func NewEngine(repo *database.Repository) *Engine {
	return &Engine{
		repo:  repo,
		cache: newRankingCache(defaultCacheTTL),
	}
}

// Invalidate drops all cached rankings. Called after episode writes.
func (e *Engine) Invalidate() {
	e.cache.invalidate()
}

// aggregate is the per-requester rollup every metric derives from. One
// grouped query replaces the per-requester scans the naive approach
// would issue.
type aggregate struct {
	gmc            string
	name           *string
	hospital       *string
	specialty      *string
	grade          *string
	points         int
	total          int
	accepted       int
	rejected       int
	delayed        int
	avgQuality     *float64
	avgAppropriate *float64
}

func (e *Engine) loadAggregates(ctx context.Context, filter Filter) ([]aggregate, error) {
	query := `
		SELECT
			u.gmc, u.name, u.hospital, u.specialty, u.grade, u.points,
			COUNT(e.id),
			SUM(CASE WHEN e.outcome = 'accepted' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.outcome = 'rejected' THEN 1 ELSE 0 END),
			SUM(CASE WHEN e.outcome = 'delayed' THEN 1 ELSE 0 END),
			AVG(COALESCE(e.norm_quality, e.raw_quality)),
			AVG(COALESCE(e.norm_appropriateness, e.raw_appropriateness))
		FROM requesters u
		LEFT JOIN episodes e ON e.requester_id = u.id
	`
	var clauses []string
	var args []interface{}
	if filter.Hospital != "" {
		clauses = append(clauses, "u.hospital = ?")
		args = append(args, filter.Hospital)
	}
	if filter.Specialty != "" {
		clauses = append(clauses, "u.specialty = ?")
		args = append(args, filter.Specialty)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " GROUP BY u.id"

	rows, err := e.repo.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ranking aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []aggregate
	for rows.Next() {
		var a aggregate
		var accepted, rejected, delayed *int
		err := rows.Scan(
			&a.gmc, &a.name, &a.hospital, &a.specialty, &a.grade, &a.points,
			&a.total, &accepted, &rejected, &delayed,
			&a.avgQuality, &a.avgAppropriate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ranking aggregate: %w", err)
		}
		// SUM over zero joined rows is NULL, not zero.
		if accepted != nil {
			a.accepted = *accepted
		}
		if rejected != nil {
			a.rejected = *rejected
		}
		if delayed != nil {
			a.delayed = *delayed
		}
		aggs = append(aggs, a)
	}
	return aggs, rows.Err()
}

func (a *aggregate) metricValue(metric Metric) float64 {
	pct := func(n int) float64 {
		if a.total == 0 {
			return 0
		}
		return float64(n) / float64(a.total) * 100
	}
	avg := func(v *float64) float64 {
		if v == nil {
			return 0
		}
		return *v
	}

	switch metric {
	case MetricScore:
		return scoring.CompositeRating(a.avgQuality, a.avgAppropriate, a.points)
	case MetricPctAccepted:
		return pct(a.accepted)
	case MetricPctRejected:
		return pct(a.rejected)
	case MetricPctDelayed:
		return pct(a.delayed)
	case MetricAvgQuality:
		return avg(a.avgQuality)
	case MetricAvgAppropriateness:
		return avg(a.avgAppropriate)
	}
	return 0
}

// Rankings returns the full ranked table for a metric and filter, best
// first with 1-based ranks.
func (e *Engine) Rankings(ctx context.Context, metric Metric, filter Filter) ([]Entry, error) {
	key := filter.key(metric)
	if cached, ok := e.cache.get(key); ok {
		return cached, nil
	}

	aggs, err := e.loadAggregates(ctx, filter)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to compute rankings", err)
	}

	entries := make([]Entry, 0, len(aggs))
	for i := range aggs {
		a := &aggs[i]
		entries = append(entries, Entry{
			GMC:           a.gmc,
			Name:          a.name,
			Hospital:      a.hospital,
			Specialty:     a.specialty,
			Grade:         a.grade,
			Points:        a.points,
			TotalRequests: a.total,
			Value:         a.metricValue(metric),
		})
	}

	// Ties are broken by activity, then GMC, so repeated reads of the
	// same data always rank identically.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Value != entries[j].Value {
			return entries[i].Value > entries[j].Value
		}
		if entries[i].TotalRequests != entries[j].TotalRequests {
			return entries[i].TotalRequests > entries[j].TotalRequests
		}
		return entries[i].GMC < entries[j].GMC
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	e.cache.set(key, entries)
	return entries, nil
}

// Top returns the first limit rows of a ranking.
func (e *Engine) Top(ctx context.Context, metric Metric, filter Filter, limit int) ([]Entry, error) {
	entries, err := e.Rankings(ctx, metric, filter)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// WindowAround returns the top block of a ranking plus a window of
// halfSpan rows either side of the given requester. When the requester
// already sits inside the top block the plain top block comes back; a
// detached window is separated from the block by a single Gap entry.
func (e *Engine) WindowAround(ctx context.Context, metric Metric, filter Filter, gmc string, limit, halfSpan int) (*Window, error) {
	entries, err := e.Rankings(ctx, metric, filter)
	if err != nil {
		return nil, err
	}

	w := &Window{Metric: metric, Total: len(entries)}

	idx := -1
	for i := range entries {
		if entries[i].GMC == gmc {
			idx = i
			break
		}
	}

	// The ranking cache makes this second read free.
	top, err := e.Top(ctx, metric, filter, limit)
	if err != nil {
		return nil, err
	}
	w.Entries = append(w.Entries, top...)

	if idx >= 0 {
		w.Percentile = percentileOf(idx, len(entries))
		for i := range w.Entries {
			if w.Entries[i].GMC == gmc {
				w.Entries[i].IsTarget = true
			}
		}
	}

	if idx < limit {
		// Absent, or already visible in the top block.
		return w, nil
	}

	start := idx - halfSpan
	if start < limit {
		start = limit
	} else {
		w.Entries = append(w.Entries, Entry{Gap: true})
	}
	end := idx + halfSpan
	if end > len(entries)-1 {
		end = len(entries) - 1
	}

	for i := start; i <= end; i++ {
		entry := entries[i]
		entry.IsTarget = i == idx
		w.Entries = append(w.Entries, entry)
	}
	return w, nil
}

// Percentile returns the requester's standing on a metric as a whole
// percentage, nil when the requester is not ranked.
func (e *Engine) Percentile(ctx context.Context, metric Metric, gmc string) (*int, error) {
	entries, err := e.Rankings(ctx, metric, Filter{})
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].GMC == gmc {
			return percentileOf(i, len(entries)), nil
		}
	}
	return nil, nil
}

func percentileOf(idx, total int) *int {
	if total == 0 {
		return nil
	}
	p := int(math.Round(float64(total-idx) / float64(total) * 100))
	return &p
}
