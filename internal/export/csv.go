package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/radhub-qip/radhub/internal/database"
	apperrors "github.com/radhub-qip/radhub/internal/errors"
)

// Service produces the raw audit export: every episode with its
// snapshot columns, newest first, for the departmental QIP spreadsheet.
type Service struct {
	repo *database.Repository
}

// NewService creates an export service.
func NewService(repo *database.Repository) *Service {
	return &Service{repo: repo}
}

var csvHeader = []string{
	"timestamp", "requester_gmc", "requester_name", "hospital", "specialty", "grade",
	"points_at_request", "scan_type", "outcome", "points_delta", "reason",
	"discussed_with_senior", "rater_gmc",
	"raw_quality", "raw_appropriateness", "norm_quality", "norm_appropriateness",
}

// WriteAuditCSV streams the full audit log as CSV.
func (s *Service) WriteAuditCSV(ctx context.Context, w io.Writer) error {
	rows, err := s.repo.AuditRows(ctx)
	if err != nil {
		return apperrors.NewPersistenceError("failed to load audit rows", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, row := range rows {
		record := []string{
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.RequesterGMC,
			optStr(row.NameAtRequest),
			optStr(row.HospitalAtRequest),
			optStr(row.SpecialtyAtRequest),
			optStr(row.GradeAtRequest),
			strconv.Itoa(row.PointsAtRequest),
			row.ScanType,
			row.Outcome,
			strconv.Itoa(row.PointsDelta),
			optStr(row.Reason),
			strconv.FormatBool(row.DiscussedWithSenior),
			row.RaterGMC,
			optInt(row.RawQuality),
			optInt(row.RawAppropriateness),
			optFloat(row.NormQuality),
			optFloat(row.NormAppropriateness),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func optStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}
