package ledger

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ParseFlag normalizes the loosely-typed truthy values that show up in
// hand-edited reference data ("true", "1", "sim", "yes", real booleans).
// It is applied once, at ingestion; everything past the ledger boundary
// sees a real bool.
func ParseFlag(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "sim", "yes":
			return true
		}
		return false
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return false
	}
}

// Flag is a bool that tolerates the string spellings above when
// decoding stored documents.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Flag(ParseFlag(v))
	return nil
}

func (f Flag) Bool() bool { return bool(f) }

// MinuteCount is a minute quantity that tolerates numeric strings in
// stored documents ("60" as well as 60). Absent or malformed values
// decode to zero; callers apply their own fallback.
type MinuteCount int

func (m *MinuteCount) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*m = MinuteCount(int(t))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			*m = 0
			return nil
		}
		*m = MinuteCount(n)
	default:
		*m = 0
	}
	return nil
}
