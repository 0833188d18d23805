package transaction

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuthorizationStatus is the lifecycle of a prior-authorization request.
// pending is the only state an outcome can be applied to; approved, denied,
// error and cancelled are terminal.
type AuthorizationStatus string

const (
	StatusPending   AuthorizationStatus = "pending"
	StatusApproved  AuthorizationStatus = "approved"
	StatusDenied    AuthorizationStatus = "denied"
	StatusError     AuthorizationStatus = "error"
	StatusCancelled AuthorizationStatus = "cancelled"
)

// Urgency levels accepted on an authorization request.
const (
	UrgencyElective  = "elective"
	UrgencyUrgent    = "urgent"
	UrgencyEmergency = "emergency"
)

func ValidUrgency(u string) bool {
	switch u {
	case UrgencyElective, UrgencyUrgent, UrgencyEmergency:
		return true
	}
	return false
}

// AuthorizationRequest is a prior-authorization submitted to a health plan.
// Patient and doctor identification are snapshotted at creation so the record
// stays meaningful even if the clinic's registry changes later.
type AuthorizationRequest struct {
	ID                  uuid.UUID           `json:"id"`
	AuthorizationNumber string              `json:"authorizationNumber"`
	ProviderID          uuid.UUID           `json:"providerId"`
	PatientID           uuid.UUID           `json:"patientId"`
	PatientName         string              `json:"patientName"`
	PatientCPF          string              `json:"patientCpf,omitempty"`
	PatientDOB          *time.Time          `json:"patientDob,omitempty"`
	CardNumber          string              `json:"cardNumber,omitempty"`
	DoctorID            *uuid.UUID          `json:"doctorId,omitempty"`
	DoctorName          string              `json:"doctorName,omitempty"`
	DoctorCRM           string              `json:"doctorCrm,omitempty"`
	ProcedureCode       string              `json:"procedureCode"`
	ProcedureName       string              `json:"procedureName,omitempty"`
	Urgency             string              `json:"urgency"`
	ClinicalIndication  string              `json:"clinicalIndication"`
	Status              AuthorizationStatus `json:"status"`
	ProviderAuthCode    string              `json:"providerAuthCode,omitempty"`
	DenialReason        string              `json:"denialReason,omitempty"`
	ExpiresAt           *time.Time          `json:"expiresAt,omitempty"`
	RawResponse         string              `json:"-"`
	SubmittedAt         *time.Time          `json:"submittedAt,omitempty"`
	RespondedAt         *time.Time          `json:"respondedAt,omitempty"`
	CreatedBy           string              `json:"createdBy,omitempty"`
	CreatedAt           time.Time           `json:"createdAt"`
	UpdatedAt           time.Time           `json:"updatedAt"`
}

// EligibilityCheck is one point-in-time verification of a patient's coverage.
// The result is an immutable snapshot: IsEligible stays null until the
// provider answers and is never overwritten once set.
type EligibilityCheck struct {
	ID            uuid.UUID  `json:"id"`
	CheckNumber   string     `json:"checkNumber"`
	ProviderID    uuid.UUID  `json:"providerId"`
	PatientID     uuid.UUID  `json:"patientId"`
	PatientName   string     `json:"patientName"`
	PatientCPF    string     `json:"patientCpf,omitempty"`
	CardNumber    string     `json:"cardNumber,omitempty"`
	IsEligible    *bool      `json:"isEligible"`
	PlanName      string     `json:"planName,omitempty"`
	Message       string     `json:"message,omitempty"`
	CoverageStart *time.Time `json:"coverageStart,omitempty"`
	CoverageEnd   *time.Time `json:"coverageEnd,omitempty"`
	Copay         *float64   `json:"copay,omitempty"`
	Deductible    *float64   `json:"deductible,omitempty"`
	RawResponse   string     `json:"-"`
	CheckedAt     *time.Time `json:"checkedAt,omitempty"`
	CreatedBy     string     `json:"createdBy,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// AuthorizationOutcome is the terminal state applied to a pending request.
type AuthorizationOutcome struct {
	Status           AuthorizationStatus
	ProviderAuthCode string
	DenialReason     string
	ExpiresAt        *time.Time
	RawResponse      string
	RespondedAt      time.Time
}

// EligibilityResult is the provider's answer, written exactly once.
type EligibilityResult struct {
	IsEligible    bool
	PlanName      string
	Message       string
	CoverageStart *time.Time
	CoverageEnd   *time.Time
	Copay         *float64
	Deductible    *float64
	RawResponse   string
	CheckedAt     time.Time
}

// Business numbers are timestamp-prefixed so they sort chronologically and
// carry a random suffix against same-second collisions. The database still
// enforces uniqueness; callers retry on a collision.

func NewAuthorizationNumber() string {
	return newBusinessNumber("AUTH")
}

func NewEligibilityNumber() string {
	return newBusinessNumber("ELIG")
}

func newBusinessNumber(prefix string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("%s%s%s", prefix, time.Now().UTC().Format("20060102150405"), suffix)
}

// Filter narrows authorization listing.
type Filter struct {
	ProviderID uuid.UUID
	PatientID  uuid.UUID
	Status     AuthorizationStatus
}
