package audit

import (
	"encoding/json"
	"time"
)

// Action identifies what happened
type Action string

const (
	// Authentication outcomes
	ActionLogin  Action = "auth.login"
	ActionDenied Action = "auth.denied"
	ActionError  Action = "auth.error"

	// Provisioning and configuration
	ActionProvision    Action = "auth.provision"
	ActionConfigUpdate Action = "config.update"

	// Fallback authentication
	ActionEmergencyCodeIssued Action = "fallback.codes_issued"
	ActionEmergencyCodeUsed   Action = "fallback.emergency_code"
	ActionAdminOverride       Action = "fallback.admin_override"
	ActionBackupPassword      Action = "fallback.backup_password"
	ActionFallbackDenied      Action = "fallback.denied"

	// Resilience
	ActionBreakerOpened Action = "resilience.breaker_opened"
	ActionBreakerClosed Action = "resilience.breaker_closed"
)

// Severity classifies how urgently an event needs attention
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Category groups events for aggregation
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategorySecurity       Category = "security"
	CategoryPerformance    Category = "performance"
	CategoryConfiguration  Category = "configuration"
)

// Event is a single immutable audit record
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Severity  Severity  `json:"severity"`
	Category  Category  `json:"category"`

	// Actor is the user or "system" for engine-initiated events.
	Actor          string `json:"actor"`
	OrganizationID int64  `json:"organization_id"`
	ProviderID     *int64 `json:"provider_id,omitempty"`

	// IssueCode carries the validator's machine-readable failure code on
	// denials.
	IssueCode string `json:"issue_code,omitempty"`

	Message   string                 `json:"message,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	LatencyMS int64                  `json:"latency_ms,omitempty"`
}

// ToJSON serializes the event
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Filter narrows event queries
type Filter struct {
	StartTime      *time.Time
	EndTime        *time.Time
	OrganizationID *int64
	ProviderID     *int64
	Actions        []Action
	Severity       *Severity
	Category       *Category
	Actor          string

	Limit  int
	Offset int
}

// ExportFormat selects the serialization used by Export
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)
