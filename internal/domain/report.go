package domain

import "time"

// Frame is one stack frame of an error report
type Frame struct {
	File     string `json:"file"`
	Function string `json:"function"`
	Line     int    `json:"line"`
}

// ErrorReport is a raw inbound error event. Immutable once accepted.
type ErrorReport struct {
	EventID             string            `json:"event_id"`
	TenantID            string            `json:"tenant_id"`
	Type                string            `json:"type"`
	Message             string            `json:"message"`
	Frames              []Frame           `json:"frames,omitempty"`
	Severity            string            `json:"severity,omitempty"` // debug|info|warning|error|fatal
	Release             string            `json:"release,omitempty"`
	Platform            string            `json:"platform,omitempty"`
	Environment         string            `json:"environment,omitempty"`
	Tags                map[string]string `json:"tags,omitempty"`
	UserID              string            `json:"user_id,omitempty"`
	SessionID           string            `json:"session_id,omitempty"`
	IdempotencyKey      string            `json:"idempotency_key,omitempty"`
	FingerprintOverride string            `json:"fingerprint,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
	ReceivedAt          time.Time         `json:"received_at"`
}

// SeverityLevel maps severity names to a comparable level
func SeverityLevel(s string) int {
	switch s {
	case "fatal":
		return 4
	case "error":
		return 3
	case "warning":
		return 2
	case "info":
		return 1
	case "debug":
		return 0
	default:
		return 3 // unspecified severity is treated as error
	}
}

// ReportRequest is the inbound JSON body for POST /errors
type ReportRequest struct {
	Type           string            `json:"type"`
	Message        string            `json:"message"`
	Frames         []Frame           `json:"frames,omitempty"`
	Severity       string            `json:"severity,omitempty"`
	Release        string            `json:"release,omitempty"`
	Platform       string            `json:"platform,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Fingerprint    string            `json:"fingerprint,omitempty"`
	Timestamp      *time.Time        `json:"timestamp,omitempty"`
}

// Receipt is the ingestion acknowledgment returned to the client
type Receipt struct {
	EventID   string `json:"event_id"`
	GroupKey  string `json:"group_key"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// BatchItemResult is the per-item outcome of a batch submission
type BatchItemResult struct {
	Index    int      `json:"index"`
	Accepted bool     `json:"accepted"`
	Receipt  *Receipt `json:"receipt,omitempty"`
	Code     string   `json:"code,omitempty"`
	Message  string   `json:"message,omitempty"`
}
