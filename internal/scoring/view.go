package scoring

import (
	"context"

	"github.com/radhub-qip/radhub/internal/database"
	apperrors "github.com/radhub-qip/radhub/internal/errors"
)

const recentEpisodeLimit = 25

// RequesterView is the dashboard payload for one clinician: profile,
// running points, outcome counts, rating averages, the composite rating
// and their most recent episodes.
type RequesterView struct {
	Requester          *database.Requester `json:"user"`
	Counts             map[string]int      `json:"counts"`
	AvgQuality         *float64            `json:"avg_quality"`
	AvgAppropriateness *float64            `json:"avg_appropriateness"`
	Rating             float64             `json:"rating"`
	Recent             []database.Episode  `json:"requests"`
}

// RequesterView assembles the dashboard view for a GMC number.
func (l *Ledger) RequesterView(ctx context.Context, gmc string) (*RequesterView, error) {
	if !ValidGMC(gmc) {
		return nil, apperrors.NewValidationError("GMC must be 7 digits")
	}

	req, err := l.repo.RequesterByGMC(ctx, l.repo.DB(), gmc)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to look up requester", err)
	}
	if req == nil {
		return nil, apperrors.NewNotFoundError("no record for this GMC number")
	}

	counts, err := l.repo.OutcomeCounts(ctx, req.ID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to load outcome counts", err)
	}
	// Every outcome appears in the payload, zero or not.
	for o := range l.cfg.Deltas {
		if _, ok := counts[string(o)]; !ok {
			counts[string(o)] = 0
		}
	}

	quality, appropriateness, err := l.repo.RatingAverages(ctx, req.ID)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to load rating averages", err)
	}

	recent, err := l.repo.RecentEpisodes(ctx, req.ID, recentEpisodeLimit)
	if err != nil {
		return nil, apperrors.NewPersistenceError("failed to load recent episodes", err)
	}

	return &RequesterView{
		Requester:          req,
		Counts:             counts,
		AvgQuality:         quality,
		AvgAppropriateness: appropriateness,
		Rating:             CompositeRating(quality, appropriateness, req.Points),
		Recent:             recent,
	}, nil
}

// ProfileUpdate carries a partial profile edit; nil fields keep their
// stored value.
type ProfileUpdate struct {
	Name      *string `json:"name"`
	Hospital  *string `json:"hospital"`
	Specialty *string `json:"specialty"`
	Grade     *string `json:"grade"`
}

// UpsertProfile updates a requester's profile, creating the requester
// with starting points when the GMC is new. Reports whether a new
// record was created.
func (l *Ledger) UpsertProfile(ctx context.Context, gmc string, upd *ProfileUpdate) (bool, error) {
	if !ValidGMC(gmc) {
		return false, apperrors.NewValidationError("GMC must be 7 digits")
	}

	existing, err := l.repo.RequesterByGMC(ctx, l.repo.DB(), gmc)
	if err != nil {
		return false, apperrors.NewPersistenceError("failed to look up requester", err)
	}

	if existing != nil {
		if err := l.repo.UpdateRequesterProfile(ctx, gmc, upd.Name, upd.Hospital, upd.Specialty, upd.Grade); err != nil {
			return false, apperrors.NewPersistenceError("failed to update profile", err)
		}
		return false, nil
	}

	name := upd.Name
	if name == nil {
		name = l.resolveName(ctx, gmc)
	}
	req := database.NewRequester(gmc, name, upd.Hospital, upd.Specialty, upd.Grade, l.cfg.StartingPoints)
	if err := l.repo.CreateRequester(ctx, l.repo.DB(), req); err != nil {
		return false, apperrors.NewPersistenceError("failed to create requester", err)
	}
	return true, nil
}
