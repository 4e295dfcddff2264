package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so repository
// operations compose into the episode-save transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository handles requester, rater and episode persistence.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying handle for starting transactions.
func (r *Repository) DB() *DB {
	return r.db
}

const requesterColumns = `id, gmc, name, hospital, specialty, grade, points, created_at, updated_at`

func scanRequester(row *sql.Row) (*Requester, error) {
	var req Requester
	err := row.Scan(
		&req.ID, &req.GMC, &req.Name, &req.Hospital,
		&req.Specialty, &req.Grade, &req.Points, &req.CreatedAt, &req.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		// Absence is a legitimate branch on the write path, not an error.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query requester: %w", err)
	}
	return &req, nil
}

// RequesterByGMC returns the requester with the given GMC, or nil when
// none exists.
func (r *Repository) RequesterByGMC(ctx context.Context, q Querier, gmc string) (*Requester, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+requesterColumns+` FROM requesters WHERE gmc = ?`, gmc)
	return scanRequester(row)
}

// CreateRequester inserts a new requester row.
func (r *Repository) CreateRequester(ctx context.Context, q Querier, req *Requester) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO requesters (id, gmc, name, hospital, specialty, grade, points, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.GMC, req.Name, req.Hospital, req.Specialty, req.Grade, req.Points, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create requester: %w", err)
	}
	return nil
}

// UpdateRequesterProfile applies a partial profile update: nil fields
// keep their current value. Points are never touched here.
func (r *Repository) UpdateRequesterProfile(ctx context.Context, gmc string, name, hospital, specialty, grade *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE requesters SET
			name = COALESCE(?, name),
			hospital = COALESCE(?, hospital),
			specialty = COALESCE(?, specialty),
			grade = COALESCE(?, grade),
			updated_at = ?
		WHERE gmc = ?
	`, name, hospital, specialty, grade, time.Now().UTC(), gmc)
	if err != nil {
		return fmt.Errorf("failed to update requester profile: %w", err)
	}
	return nil
}

// UpdateRequesterPoints writes a new (already clamped) point total.
func (r *Repository) UpdateRequesterPoints(ctx context.Context, q Querier, id string, points int) error {
	_, err := q.ExecContext(ctx,
		`UPDATE requesters SET points = ?, updated_at = ? WHERE id = ?`,
		points, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update requester points: %w", err)
	}
	return nil
}

// EnsureRater creates the rater row on first sight; an existing row is
// left untouched so an externally resolved name is not overwritten.
func (r *Repository) EnsureRater(ctx context.Context, q Querier, gmc string, name *string) error {
	rater := NewRater(gmc, name)
	_, err := q.ExecContext(ctx, `
		INSERT INTO raters (id, gmc, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(gmc) DO NOTHING
	`, rater.ID, rater.GMC, rater.Name, rater.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to ensure rater: %w", err)
	}
	return nil
}

// PriorRatings returns all raw ratings a rater has given so far for one
// dimension ("quality" or "appropriateness"). Called inside the episode
// transaction, before the new episode is inserted, so the population is
// exactly what was on file at submission time.
func (r *Repository) PriorRatings(ctx context.Context, tx *sql.Tx, raterGMC, dimension string) ([]float64, error) {
	stmt, err := r.db.GetPreparedStatement("prior_" + dimension)
	if err != nil {
		return nil, err
	}

	rows, err := tx.StmtContext(ctx, stmt).QueryContext(ctx, raterGMC)
	if err != nil {
		return nil, fmt.Errorf("failed to query prior ratings: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan prior rating: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// InsertEpisode appends one immutable episode row.
func (r *Repository) InsertEpisode(ctx context.Context, tx *sql.Tx, ep *Episode) error {
	stmt, err := r.db.GetPreparedStatement("insert_episode")
	if err != nil {
		return err
	}

	_, err = tx.StmtContext(ctx, stmt).ExecContext(ctx,
		ep.ID, ep.RequesterID, ep.RaterGMC, ep.CreatedAt, ep.ScanType, ep.Outcome,
		ep.PointsDelta, ep.Reason, ep.DiscussedWithSenior,
		ep.RawQuality, ep.RawAppropriateness, ep.NormQuality, ep.NormAppropriateness,
		ep.NameAtRequest, ep.HospitalAtRequest, ep.SpecialtyAtRequest, ep.GradeAtRequest,
		ep.PointsAtRequest,
	)
	if err != nil {
		return fmt.Errorf("failed to insert episode: %w", err)
	}
	return nil
}

// OutcomeCounts returns the per-outcome episode counts for a requester.
func (r *Repository) OutcomeCounts(ctx context.Context, requesterID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT outcome, COUNT(*) FROM episodes
		WHERE requester_id = ?
		GROUP BY outcome
	`, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// RatingAverages returns the requester's mean quality and
// appropriateness, preferring normalized values with raw fallback.
// Either average is nil when no episode carries that rating.
func (r *Repository) RatingAverages(ctx context.Context, requesterID string) (quality, appropriateness *float64, err error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT
			AVG(COALESCE(norm_quality, raw_quality)),
			AVG(COALESCE(norm_appropriateness, raw_appropriateness))
		FROM episodes WHERE requester_id = ?
	`, requesterID)
	if err := row.Scan(&quality, &appropriateness); err != nil {
		return nil, nil, fmt.Errorf("failed to query rating averages: %w", err)
	}
	return quality, appropriateness, nil
}

const episodeColumns = `id, requester_id, rater_gmc, created_at, scan_type, outcome, points_delta,
	reason, discussed_with_senior, raw_quality, raw_appropriateness,
	norm_quality, norm_appropriateness,
	requester_name_at_request, requester_hospital_at_request,
	requester_specialty_at_request, requester_grade_at_request,
	requester_points_at_request`

func scanEpisodes(rows *sql.Rows) ([]Episode, error) {
	var episodes []Episode
	for rows.Next() {
		var ep Episode
		err := rows.Scan(
			&ep.ID, &ep.RequesterID, &ep.RaterGMC, &ep.CreatedAt, &ep.ScanType, &ep.Outcome,
			&ep.PointsDelta, &ep.Reason, &ep.DiscussedWithSenior,
			&ep.RawQuality, &ep.RawAppropriateness, &ep.NormQuality, &ep.NormAppropriateness,
			&ep.NameAtRequest, &ep.HospitalAtRequest, &ep.SpecialtyAtRequest, &ep.GradeAtRequest,
			&ep.PointsAtRequest,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// RecentEpisodes returns a requester's latest episodes, newest first.
func (r *Repository) RecentEpisodes(ctx context.Context, requesterID string, limit int) ([]Episode, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE requester_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, requesterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent episodes: %w", err)
	}
	defer rows.Close()

	return scanEpisodes(rows)
}

// EarliestEpisodeTime returns the timestamp of the oldest episode on
// record, or nil when no episodes exist.
func (r *Repository) EarliestEpisodeTime(ctx context.Context) (*time.Time, error) {
	// Selecting the column directly (not MIN) keeps the declared type,
	// so the driver hands back a time.Time rather than raw text.
	var t time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT created_at FROM episodes ORDER BY created_at ASC, id ASC LIMIT 1`).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query earliest episode: %w", err)
	}
	return &t, nil
}

// DeleteRequesterData removes a requester and all their episodes in one
// transaction. This is the explicit admin path; episodes are immutable
// everywhere else. Returns false when the requester does not exist.
func (r *Repository) DeleteRequesterData(ctx context.Context, gmc string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	req, err := r.RequesterByGMC(ctx, tx, gmc)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM episodes WHERE requester_id = ?`, req.ID); err != nil {
		return false, fmt.Errorf("failed to delete episodes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM requesters WHERE id = ?`, req.ID); err != nil {
		return false, fmt.Errorf("failed to delete requester: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit deletion: %w", err)
	}
	return true, nil
}

// AuditRow is one line of the raw audit export: the episode joined with
// the requester's GMC, ordered newest first.
type AuditRow struct {
	Episode
	RequesterGMC string
}

// AuditRows returns every episode with its requester GMC for export.
func (r *Repository) AuditRows(ctx context.Context) ([]AuditRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id, e.requester_id, e.rater_gmc, e.created_at, e.scan_type, e.outcome, e.points_delta,
			e.reason, e.discussed_with_senior, e.raw_quality, e.raw_appropriateness,
			e.norm_quality, e.norm_appropriateness,
			e.requester_name_at_request, e.requester_hospital_at_request,
			e.requester_specialty_at_request, e.requester_grade_at_request,
			e.requester_points_at_request,
			u.gmc
		FROM episodes e
		JOIN requesters u ON u.id = e.requester_id
		ORDER BY e.created_at DESC, e.id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit rows: %w", err)
	}
	defer rows.Close()

	var result []AuditRow
	for rows.Next() {
		var row AuditRow
		err := rows.Scan(
			&row.ID, &row.RequesterID, &row.RaterGMC, &row.CreatedAt, &row.ScanType, &row.Outcome,
			&row.PointsDelta, &row.Reason, &row.DiscussedWithSenior,
			&row.RawQuality, &row.RawAppropriateness, &row.NormQuality, &row.NormAppropriateness,
			&row.NameAtRequest, &row.HospitalAtRequest, &row.SpecialtyAtRequest, &row.GradeAtRequest,
			&row.PointsAtRequest,
			&row.RequesterGMC,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
