package privacy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/radhub-qip/radhub/internal/database"
	apperrors "github.com/radhub-qip/radhub/internal/errors"
)

// PrivacyService handles subject-access deletion and anonymization.
// Episodes are immutable everywhere else in the system; this is the
// one sanctioned erasure path.
type PrivacyService struct {
	repo *database.Repository
}

// NewService creates a new privacy service
func NewService(repo *database.Repository) *PrivacyService {
	return &PrivacyService{repo: repo}
}

// AnonymizeGMC returns a stable pseudonym for a GMC number, for use in
// contexts where the real number must not appear.
func (ps *PrivacyService) AnonymizeGMC(gmc string) string {
	hash := sha256.Sum256([]byte(gmc))
	return hex.EncodeToString(hash[:])[:16]
}

// DeleteRequesterData removes a requester and every episode about them
// in one transaction. Returns NotFound when the GMC has no record.
func (ps *PrivacyService) DeleteRequesterData(ctx context.Context, gmc string) error {
	slog.Info("Initiating requester data deletion", "gmc_pseudonym", ps.AnonymizeGMC(gmc))

	deleted, err := ps.repo.DeleteRequesterData(ctx, gmc)
	if err != nil {
		return apperrors.NewPersistenceError("failed to delete requester data", err)
	}
	if !deleted {
		return apperrors.NewNotFoundError("no record for this GMC number")
	}

	slog.Info("Requester data deletion completed", "gmc_pseudonym", ps.AnonymizeGMC(gmc))
	return nil
}

// GetDataRetentionInfo provides information about data retention policies
func (ps *PrivacyService) GetDataRetentionInfo() map[string]interface{} {
	return map[string]interface{}{
		"episode_retention":           "indefinite (clinical audit record)",
		"deletion_path":               "admin subject-access request",
		"anonymization_method":        "SHA-256 pseudonym",
		"data_deletion_response_time": "24 hours",
	}
}
