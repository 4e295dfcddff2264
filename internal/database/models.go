package database

import (
	"time"

	"github.com/google/uuid"
)

// Requester is a clinician submitting out-of-hours scan requests,
// identified by their 7-digit GMC number.
type Requester struct {
	ID        string    `json:"-" db:"id"`
	GMC       string    `json:"gmc" db:"gmc"`
	Name      *string   `json:"name" db:"name"`
	Hospital  *string   `json:"hospital" db:"hospital"`
	Specialty *string   `json:"specialty" db:"specialty"`
	Grade     *string   `json:"grade" db:"grade"`
	Points    int       `json:"points" db:"points"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Rater is a radiologist vetting requests, identified by the same
// 7-digit GMC scheme. Created lazily on the first episode they vet.
type Rater struct {
	ID        string    `json:"-" db:"id"`
	GMC       string    `json:"gmc" db:"gmc"`
	Name      *string   `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Episode is one immutable vetting record. The *AtRequest fields
// snapshot the requester's profile as it stood when the request was
// made; they form the audit trail and are never rewritten.
type Episode struct {
	ID                  string    `json:"id" db:"id"`
	RequesterID         string    `json:"-" db:"requester_id"`
	RaterGMC            string    `json:"rater_gmc" db:"rater_gmc"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	ScanType            string    `json:"scan_type" db:"scan_type"`
	Outcome             string    `json:"outcome" db:"outcome"`
	PointsDelta         int       `json:"points_delta" db:"points_delta"`
	Reason              *string   `json:"reason" db:"reason"`
	DiscussedWithSenior bool      `json:"discussed_with_senior" db:"discussed_with_senior"`
	RawQuality          *int      `json:"raw_quality" db:"raw_quality"`
	RawAppropriateness  *int      `json:"raw_appropriateness" db:"raw_appropriateness"`
	NormQuality         *float64  `json:"norm_quality" db:"norm_quality"`
	NormAppropriateness *float64  `json:"norm_appropriateness" db:"norm_appropriateness"`
	NameAtRequest       *string   `json:"requester_name_at_request" db:"requester_name_at_request"`
	HospitalAtRequest   *string   `json:"requester_hospital_at_request" db:"requester_hospital_at_request"`
	SpecialtyAtRequest  *string   `json:"requester_specialty_at_request" db:"requester_specialty_at_request"`
	GradeAtRequest      *string   `json:"requester_grade_at_request" db:"requester_grade_at_request"`
	PointsAtRequest     int       `json:"requester_points_at_request" db:"requester_points_at_request"`
}

// NewRequester creates a requester with a generated ID and the
// configured starting point total.
func NewRequester(gmc string, name, hospital, specialty, grade *string, startingPoints int) *Requester {
	now := time.Now().UTC()
	return &Requester{
		ID:        uuid.New().String(),
		GMC:       gmc,
		Name:      name,
		Hospital:  hospital,
		Specialty: specialty,
		Grade:     grade,
		Points:    startingPoints,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewRater creates a rater with a generated ID.
func NewRater(gmc string, name *string) *Rater {
	return &Rater{
		ID:        uuid.New().String(),
		GMC:       gmc,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}
