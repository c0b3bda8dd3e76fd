package types

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cascade event types emitted by the reward executor when awards materialize.
const (
	EventBadgeGranted  = "BADGE_GRANTED"
	EventTrophyGranted = "TROPHY_GRANTED"
	EventLevelUp       = "LEVEL_UP"
)

// Event is an immutable record of a user action consumed by the engine.
// Attributes carry free-form JSON values; cascade events set CascadeDepth to
// bound reward loops.
type Event struct {
	ID           string
	Type         string
	UserID       string
	OccurredAt   time.Time
	Attributes   map[string]any
	CascadeDepth int
	ReceivedAt   time.Time
	Attempts     int
}

// NewEventID returns a 32-character hex event identifier.
func NewEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Attribute returns the raw attribute value for name.
func (e *Event) Attribute(name string) (any, bool) {
	if e == nil || e.Attributes == nil {
		return nil, false
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// StringAttribute returns the attribute rendered as a string. Numeric values
// are formatted without an exponent so identifiers survive JSON decoding.
func (e *Event) StringAttribute(name string) (string, bool) {
	v, ok := e.Attribute(name)
	if !ok {
		return "", false
	}
	return renderString(v), true
}

func renderString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Numeric reports the value as a float64 when it carries a number, accepting
// the representations a JSON decoder or a literal rule parameter may produce.
func Numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
