package connlog

import (
	"time"

	"github.com/google/uuid"
)

// Entry is one outbound call attempt to a provider. Entries are append-only;
// they are never updated, only purged by retention.
type Entry struct {
	ID           uuid.UUID  `json:"id"`
	ProviderID   uuid.UUID  `json:"providerId"`
	Operation    string     `json:"operation"`
	URL          string     `json:"url"`
	Method       string     `json:"method"`
	Attempt      int        `json:"attempt"`
	StatusCode   int        `json:"statusCode,omitempty"`
	Success      bool       `json:"success"`
	ErrorType    string     `json:"errorType,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	ResponseBody string     `json:"responseBody,omitempty"`
	LatencyMs    int64      `json:"latencyMs"`
	RelatedID    *uuid.UUID `json:"relatedId,omitempty"`
	UserID       string     `json:"userId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Filter narrows log listing.
type Filter struct {
	ProviderID uuid.UUID
	Operation  string
	Success    *bool
	Since      time.Time
	Until      time.Time
}

// Stats is an aggregate over a time window, used by the dashboard.
type Stats struct {
	Total       int     `json:"total"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"successRate"`
	AvgLatency  float64 `json:"avgLatencyMs"`
}
