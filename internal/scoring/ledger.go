package scoring

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/radhub-qip/radhub/internal/database"
	apperrors "github.com/radhub-qip/radhub/internal/errors"
)

// gmcPattern matches the 7-digit GMC reference number format. Format is
// all we can check locally; whether the number is actually registered
// is the register's business.
var gmcPattern = regexp.MustCompile(`^\d{7}$`)

// ValidGMC reports whether s is a well-formed GMC number.
func ValidGMC(s string) bool {
	return gmcPattern.MatchString(s)
}

// NameResolver resolves a GMC number to a registered name. Resolution
// is best-effort: failures are logged and swallowed, never surfaced to
// the episode write path.
type NameResolver interface {
	ResolveName(ctx context.Context, gmc string) (string, error)
}

const resolveTimeout = 3 * time.Second

// Ledger owns the episode write path: validation, rater normalization,
// the profile snapshot and the point update, all inside one
// transaction.
type Ledger struct {
	repo     *database.Repository
	cfg      Config
	resolver NameResolver
	now      func() time.Time
}

// NewLedger creates a ledger. resolver may be nil, in which case
// unknown clinicians are created without a name.
func NewLedger(repo *database.Repository, cfg Config, resolver NameResolver) *Ledger {
	return &Ledger{
		repo:     repo,
		cfg:      cfg,
		resolver: resolver,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EpisodeInput carries one vetting decision as submitted by the rating
// radiologist.
type EpisodeInput struct {
	RequesterGMC        string  `json:"requester_gmc"`
	RaterGMC            string  `json:"rater_gmc"`
	ScanType            string  `json:"scan_type"`
	Outcome             string  `json:"outcome"`
	Reason              *string `json:"reason"`
	DiscussedWithSenior bool    `json:"discussed_with_senior"`
	RawQuality          *int    `json:"quality"`
	RawAppropriateness  *int    `json:"appropriateness"`

	// Optional profile details for a first-seen requester.
	RequesterName      *string `json:"requester_name"`
	RequesterHospital  *string `json:"requester_hospital"`
	RequesterSpecialty *string `json:"requester_specialty"`
	RequesterGrade     *string `json:"requester_grade"`
}

// EpisodeResult reports the point consequence of a recorded episode.
type EpisodeResult struct {
	EpisodeID    string `json:"episode_id"`
	Outcome      string `json:"outcome"`
	PointsDelta  int    `json:"points_change"`
	NewPoints    int    `json:"new_points"`
	NewRequester bool   `json:"new_requester"`
}

func (l *Ledger) validate(in *EpisodeInput) *apperrors.AppError {
	if !ValidGMC(in.RequesterGMC) {
		return apperrors.NewValidationError("requester GMC must be 7 digits")
	}
	if !ValidGMC(in.RaterGMC) {
		return apperrors.NewValidationError("rater GMC must be 7 digits")
	}
	if in.ScanType == "" {
		return apperrors.NewValidationError("scan_type is required")
	}
	if _, ok := l.cfg.Delta(Outcome(in.Outcome)); !ok {
		return apperrors.NewValidationError(fmt.Sprintf("unknown outcome %q", in.Outcome))
	}
	for name, v := range map[string]*int{"quality": in.RawQuality, "appropriateness": in.RawAppropriateness} {
		if v != nil && (*v < int(ratingMin) || *v > int(ratingMax)) {
			return apperrors.NewValidationError(fmt.Sprintf("%s must be between 1 and 10", name))
		}
	}
	return nil
}

// RecordEpisode validates and persists one vetting episode, updating
// the requester's running point total atomically with the episode
// insert. Unknown requesters are created on first sight with the
// configured starting points.
func (l *Ledger) RecordEpisode(ctx context.Context, in *EpisodeInput) (*EpisodeResult, error) {
	if verr := l.validate(in); verr != nil {
		return nil, verr
	}

	// Name resolution talks to an external registry, so it happens
	// before the transaction opens rather than under the write lock.
	name := in.RequesterName
	existing, err := l.repo.RequesterByGMC(ctx, l.repo.DB(), in.RequesterGMC)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to look up requester", err)
	}
	if existing == nil && name == nil {
		name = l.resolveName(ctx, in.RequesterGMC)
	}

	tx, err := l.repo.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	requester, err := l.repo.RequesterByGMC(ctx, tx, in.RequesterGMC)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to look up requester", err)
	}
	created := false
	if requester == nil {
		requester = database.NewRequester(in.RequesterGMC, name,
			in.RequesterHospital, in.RequesterSpecialty, in.RequesterGrade,
			l.cfg.StartingPoints)
		if err := l.repo.CreateRequester(ctx, tx, requester); err != nil {
			return nil, apperrors.NewPersistenceError("failed to create requester", err)
		}
		created = true
	}

	if err := l.repo.EnsureRater(ctx, tx, in.RaterGMC, nil); err != nil {
		return nil, apperrors.NewPersistenceError("failed to ensure rater", err)
	}

	// Priors are read before the insert so the new rating is not part
	// of its own normalization population.
	normQuality, err := l.normalizeDimension(ctx, tx, in.RaterGMC, "quality", in.RawQuality)
	if err != nil {
		return nil, err
	}
	normAppropriateness, err := l.normalizeDimension(ctx, tx, in.RaterGMC, "appropriateness", in.RawAppropriateness)
	if err != nil {
		return nil, err
	}

	delta, _ := l.cfg.Delta(Outcome(in.Outcome))
	newPoints := l.cfg.ClampPoints(requester.Points + delta)

	// Snapshot the profile and point total as they stood before this
	// episode took effect.
	episode := &database.Episode{
		ID:                  uuid.New().String(),
		RequesterID:         requester.ID,
		RaterGMC:            in.RaterGMC,
		CreatedAt:           l.now(),
		ScanType:            in.ScanType,
		Outcome:             in.Outcome,
		PointsDelta:         delta,
		Reason:              in.Reason,
		DiscussedWithSenior: in.DiscussedWithSenior,
		RawQuality:          in.RawQuality,
		RawAppropriateness:  in.RawAppropriateness,
		NormQuality:         normQuality,
		NormAppropriateness: normAppropriateness,
		NameAtRequest:       requester.Name,
		HospitalAtRequest:   requester.Hospital,
		SpecialtyAtRequest:  requester.Specialty,
		GradeAtRequest:      requester.Grade,
		PointsAtRequest:     requester.Points,
	}

	if err := l.repo.InsertEpisode(ctx, tx, episode); err != nil {
		return nil, apperrors.NewPersistenceError("failed to insert episode", err)
	}
	if err := l.repo.UpdateRequesterPoints(ctx, tx, requester.ID, newPoints); err != nil {
		return nil, apperrors.NewPersistenceError("failed to update points", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewPersistenceError("failed to commit episode", err)
	}

	slog.Info("Episode recorded",
		"requester_gmc", in.RequesterGMC,
		"rater_gmc", in.RaterGMC,
		"outcome", in.Outcome,
		"points_delta", delta,
		"new_points", newPoints)

	return &EpisodeResult{
		EpisodeID:    episode.ID,
		Outcome:      in.Outcome,
		PointsDelta:  delta,
		NewPoints:    newPoints,
		NewRequester: created,
	}, nil
}

func (l *Ledger) normalizeDimension(ctx context.Context, tx *sql.Tx, raterGMC, dimension string, raw *int) (*float64, error) {
	if raw == nil {
		return nil, nil
	}
	prior, err := l.repo.PriorRatings(ctx, tx, raterGMC, dimension)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to load prior ratings", err)
	}
	norm := Normalize(prior, float64(*raw))
	return &norm, nil
}

func (l *Ledger) resolveName(ctx context.Context, gmc string) *string {
	if l.resolver == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	name, err := l.resolver.ResolveName(rctx, gmc)
	if err != nil {
		slog.Warn("Name resolution failed", "gmc", gmc, "error", err)
		return nil
	}
	if name == "" {
		return nil
	}
	return &name
}
