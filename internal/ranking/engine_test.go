package ranking

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radhub-qip/radhub/internal/database"
	"github.com/radhub-qip/radhub/internal/scoring"
)

func setupEngine(t *testing.T) (*Engine, *scoring.Ledger, *database.Repository) {
	t.Helper()

	db, err := database.NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := database.NewRepository(db)
	return NewEngine(repo), scoring.NewLedger(repo, scoring.DefaultConfig(), nil), repo
}

// seedRequesters creates n requesters with one accepted episode each,
// then spreads their point totals so metric ordering is deterministic.
// Requester i gets GMC 1000000+i and points 1000-i.
func seedRequesters(t *testing.T, ledger *scoring.Ledger, repo *database.Repository, n int) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < n; i++ {
		gmc := fmt.Sprintf("%07d", 1000000+i)
		_, err := ledger.RecordEpisode(ctx, &scoring.EpisodeInput{
			RequesterGMC: gmc,
			RaterGMC:     "7000001",
			ScanType:     "CT Head",
			Outcome:      "accepted",
		})
		require.NoError(t, err)

		req, err := repo.RequesterByGMC(ctx, repo.DB(), gmc)
		require.NoError(t, err)
		require.NoError(t, repo.UpdateRequesterPoints(ctx, repo.DB(), req.ID, 1000-i))
	}
}

func TestParseMetric(t *testing.T) {
	for _, valid := range []string{"score", "pct_accepted", "pct_rejected", "pct_delayed", "avg_quality", "avg_appropriateness"} {
		_, ok := ParseMetric(valid)
		assert.True(t, ok, valid)
	}
	_, ok := ParseMetric("points")
	assert.False(t, ok)
}

func TestRankingsOrderAndRanks(t *testing.T) {
	engine, ledger, repo := setupEngine(t)
	seedRequesters(t, ledger, repo, 5)
	engine.Invalidate()

	entries, err := engine.Rankings(context.Background(), MetricScore, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 5)

	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Rank)
		assert.Equal(t, fmt.Sprintf("%07d", 1000000+i), entry.GMC)
		if i > 0 {
			assert.LessOrEqual(t, entry.Value, entries[i-1].Value)
		}
	}
}

func TestRankingsPercentages(t *testing.T) {
	engine, ledger, _ := setupEngine(t)
	ctx := context.Background()

	outcomes := []string{"accepted", "accepted", "accepted", "rejected"}
	for _, outcome := range outcomes {
		_, err := ledger.RecordEpisode(ctx, &scoring.EpisodeInput{
			RequesterGMC: "1234567",
			RaterGMC:     "7000001",
			ScanType:     "CT Head",
			Outcome:      outcome,
		})
		require.NoError(t, err)
	}
	engine.Invalidate()

	entries, err := engine.Rankings(ctx, MetricPctAccepted, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 75.0, entries[0].Value, 1e-9)
	assert.Equal(t, 4, entries[0].TotalRequests)

	entries, err = engine.Rankings(ctx, MetricPctRejected, Filter{})
	require.NoError(t, err)
	assert.InDelta(t, 25.0, entries[0].Value, 1e-9)
}

func TestRankingsScoreOrderByPoints(t *testing.T) {
	engine, ledger, repo := setupEngine(t)
	ctx := context.Background()

	points := map[string]int{"3000001": 486, "3000002": 700, "3000003": 200}
	for gmc, pts := range points {
		_, err := ledger.RecordEpisode(ctx, &scoring.EpisodeInput{
			RequesterGMC: gmc,
			RaterGMC:     "7000001",
			ScanType:     "CT Head",
			Outcome:      "accepted",
		})
		require.NoError(t, err)

		req, err := repo.RequesterByGMC(ctx, repo.DB(), gmc)
		require.NoError(t, err)
		require.NoError(t, repo.UpdateRequesterPoints(ctx, repo.DB(), req.ID, pts))
	}
	engine.Invalidate()

	entries, err := engine.Rankings(ctx, MetricScore, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "3000002", entries[0].GMC)
	assert.Equal(t, "3000001", entries[1].GMC)
	assert.Equal(t, "3000003", entries[2].GMC)
	assert.Equal(t, []int{700, 486, 200}, []int{entries[0].Points, entries[1].Points, entries[2].Points})
}

func TestRankingsFilter(t *testing.T) {
	engine, ledger, _ := setupEngine(t)
	ctx := context.Background()

	hospitals := []string{"St Elsewhere", "St Elsewhere", "General"}
	for i, hospital := range hospitals {
		h := hospital
		specialty := "Surgery"
		_, err := ledger.RecordEpisode(ctx, &scoring.EpisodeInput{
			RequesterGMC:       fmt.Sprintf("%07d", 2000000+i),
			RaterGMC:           "7000001",
			ScanType:           "CT Head",
			Outcome:            "accepted",
			RequesterHospital:  &h,
			RequesterSpecialty: &specialty,
		})
		require.NoError(t, err)
	}
	engine.Invalidate()

	entries, err := engine.Rankings(ctx, MetricScore, Filter{Hospital: "St Elsewhere"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		require.NotNil(t, entry.Hospital)
		assert.Equal(t, "St Elsewhere", *entry.Hospital)
	}

	entries, err = engine.Rankings(ctx, MetricScore, Filter{Hospital: "General", Specialty: "Surgery"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = engine.Rankings(ctx, MetricScore, Filter{Specialty: "Radiology"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTopTruncatesToLimit(t *testing.T) {
	engine, ledger, repo := setupEngine(t)
	seedRequesters(t, ledger, repo, 5)
	engine.Invalidate()

	top, err := engine.Top(context.Background(), MetricScore, Filter{}, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "1000000", top[0].GMC)
	assert.Equal(t, 1, top[0].Rank)
	assert.Equal(t, "1000002", top[2].GMC)
}

func TestWindowAroundInsideTopBlock(t *testing.T) {
	engine, ledger, repo := setupEngine(t)
	seedRequesters(t, ledger, repo, 30)
	engine.Invalidate()

	// Rank 3 is already visible in a top-10 block: no gap, no window.
	w, err := engine.WindowAround(context.Background(), MetricScore, Filter{}, "1000002", 10, 2)
	require.NoError(t, err)

	require.Len(t, w.Entries, 10)
	for _, entry := range w.Entries {
		assert.False(t, entry.Gap)
	}
	assert.True(t, w.Entries[2].IsTarget)
	require.NotNil(t, w.Percentile)
	// Index 2 of 30: (30-2)/30 = 93.3, rounded.
	assert.Equal(t, 93, *w.Percentile)
	assert.Equal(t, 30, w.Total)
}

func TestWindowAroundDetached(t *testing.T) {
	engine, ledger, repo := setupEngine(t)
	seedRequesters(t, ledger, repo, 60)
	engine.Invalidate()

	// Rank 50, top block of 10, two rows either side: ten block rows,
	// one gap sentinel, five window rows.
	w, err := engine.WindowAround(context.Background(), MetricScore, Filter{}, "1000049", 10, 2)
	require.NoError(t, err)
	require.Len(t, w.Entries, 16)

	assert.True(t, w.Entries[10].Gap)
	assert.Equal(t, 48, w.Entries[11].Rank)
	assert.Equal(t, 52, w.Entries[15].Rank)
	assert.True(t, w.Entries[13].IsTarget)
	assert.Equal(t, "1000049", w.Entries[13].GMC)
}

func TestWindowAroundAdjacentToTopBlock(t *testing.T) {
	engine, ledger, repo := setupEngine(t)
	seedRequesters(t, ledger, repo, 30)
	engine.Invalidate()

	// Rank 11 with a window reaching back into the top block: the
	// window clips to the block edge and no gap is inserted.
	w, err := engine.WindowAround(context.Background(), MetricScore, Filter{}, "1000010", 10, 2)
	require.NoError(t, err)

	for _, entry := range w.Entries {
		assert.False(t, entry.Gap)
	}
	require.Len(t, w.Entries, 13)
	assert.Equal(t, 11, w.Entries[10].Rank)
	assert.True(t, w.Entries[10].IsTarget)
	assert.Equal(t, 13, w.Entries[12].Rank)
}

func TestWindowAroundUnknownRequester(t *testing.T) {
	engine, ledger, repo := setupEngine(t)
	seedRequesters(t, ledger, repo, 5)
	engine.Invalidate()

	w, err := engine.WindowAround(context.Background(), MetricScore, Filter{}, "9999999", 10, 2)
	require.NoError(t, err)

	assert.Len(t, w.Entries, 5)
	assert.Nil(t, w.Percentile)
	for _, entry := range w.Entries {
		assert.False(t, entry.IsTarget)
	}
}

func TestWindowAroundTailClipping(t *testing.T) {
	engine, ledger, repo := setupEngine(t)
	seedRequesters(t, ledger, repo, 20)
	engine.Invalidate()

	// Last place: the window cannot extend past the end of the table.
	w, err := engine.WindowAround(context.Background(), MetricScore, Filter{}, "1000019", 10, 2)
	require.NoError(t, err)

	require.Len(t, w.Entries, 14)
	assert.True(t, w.Entries[10].Gap)
	assert.Equal(t, 20, w.Entries[13].Rank)
	assert.True(t, w.Entries[13].IsTarget)
	require.NotNil(t, w.Percentile)
	// Index 19 of 20: (20-19)/20 = 5%.
	assert.Equal(t, 5, *w.Percentile)
}

func TestPercentile(t *testing.T) {
	engine, ledger, repo := setupEngine(t)
	seedRequesters(t, ledger, repo, 10)
	engine.Invalidate()

	p, err := engine.Percentile(context.Background(), MetricScore, "1000000")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 100, *p)

	p, err = engine.Percentile(context.Background(), MetricScore, "9999999")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRankingCacheInvalidation(t *testing.T) {
	engine, ledger, _ := setupEngine(t)
	ctx := context.Background()

	_, err := ledger.RecordEpisode(ctx, &scoring.EpisodeInput{
		RequesterGMC: "1234567",
		RaterGMC:     "7000001",
		ScanType:     "CT Head",
		Outcome:      "accepted",
	})
	require.NoError(t, err)

	entries, err := engine.Rankings(ctx, MetricScore, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// A second requester appears only after invalidation.
	_, err = ledger.RecordEpisode(ctx, &scoring.EpisodeInput{
		RequesterGMC: "7654321",
		RaterGMC:     "7000001",
		ScanType:     "CT Head",
		Outcome:      "accepted",
	})
	require.NoError(t, err)

	entries, err = engine.Rankings(ctx, MetricScore, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	engine.Invalidate()
	entries, err = engine.Rankings(ctx, MetricScore, Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
