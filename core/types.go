package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	StatusHealthy = "healthy"
	StatusError   = "error"
)

const (
	SourceFallback      = "native-go-implementation"
	SourceErrorFallback = "error-fallback"
	FallbackVersion     = "1.0.0-fallback"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var validate = validator.New()

// HealthStatus is the payload produced by a single health check.
// Fields a module reports beyond the well-known ones are kept in Extra.
type HealthStatus struct {
	Status    string         `json:"status" validate:"required"`
	Timestamp string         `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	Version   string         `json:"version,omitempty"`
	Message   string         `json:"message,omitempty"`
	Source    string         `json:"source,omitempty"`
	Extra     map[string]any `json:"-"`

	// present marks well-known keys decoded from a payload, so an empty
	// string survives a round trip and an absent key stays absent.
	present field
}

type field uint8

const (
	fieldStatus field = 1 << iota
	fieldTimestamp
	fieldVersion
	fieldMessage
	fieldSource
)

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewErrorStatus builds the error-shaped status returned when a module check fails.
func NewErrorStatus(err error, now time.Time) HealthStatus {
	msg := "Unknown error"
	if err != nil {
		msg = err.Error()
	}
	return HealthStatus{
		Status:    StatusError,
		Message:   msg,
		Timestamp: FormatTimestamp(now),
		Source:    SourceErrorFallback,
	}
}

// Map returns the status as a plain JSON object. Well-known fields win over
// Extra entries with the same key. A well-known key is written when its field
// is set or when the decoded payload carried it.
func (s HealthStatus) Map() map[string]any {
	m := make(map[string]any, len(s.Extra)+5)
	for k, v := range s.Extra {
		m[k] = v
	}
	put := func(key, value string, f field) {
		if value != "" || s.present&f != 0 {
			m[key] = value
		}
	}
	put("status", s.Status, fieldStatus)
	put("timestamp", s.Timestamp, fieldTimestamp)
	put("version", s.Version, fieldVersion)
	put("message", s.Message, fieldMessage)
	put("source", s.Source, fieldSource)
	return m
}

func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Map())
}

// UnmarshalJSON accepts any JSON object. String values of the well-known keys
// populate the typed fields; everything else, including well-known keys with a
// non-string value, lands in Extra unchanged.
func (s *HealthStatus) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("health status must be a JSON object")
	}
	*s = FromMap(raw)
	return nil
}

// FromMap builds a status from a decoded JSON object
func FromMap(raw map[string]any) HealthStatus {
	var s HealthStatus
	for k, v := range raw {
		str, isString := v.(string)
		switch {
		case k == "status" && isString:
			s.Status = str
			s.present |= fieldStatus
		case k == "timestamp" && isString:
			s.Timestamp = str
			s.present |= fieldTimestamp
		case k == "version" && isString:
			s.Version = str
			s.present |= fieldVersion
		case k == "message" && isString:
			s.Message = str
			s.present |= fieldMessage
		case k == "source" && isString:
			s.Source = str
			s.present |= fieldSource
		default:
			if s.Extra == nil {
				s.Extra = make(map[string]any)
			}
			s.Extra[k] = v
		}
	}
	return s
}

// Validate checks the fields a caller must be able to rely on: a status and
// an ISO-8601 timestamp.
func Validate(s HealthStatus) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid health status: %w", err)
	}
	return nil
}
