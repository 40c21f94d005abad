package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"crm-voice-sync/internal/apperr"
	"crm-voice-sync/internal/types"
)

// Alias keys in precedence order. The first non-empty value wins.
var (
	RecordIDKeys     = []string{"Call_Record_ID", "call_record_id", "recordId"}
	RecordingURLKeys = []string{"Call_Recording_URL", "call_recording_url", "recordingUrl"}
	translateKeys    = []string{"translate", "Translate"}
	languageKeys     = []string{"language", "Language"}
)

// ParseRequest extracts the typed request from a webhook payload.
func ParseRequest(payload map[string]any) (types.ParsedRequest, error) {
	var req types.ParsedRequest
	req.RecordID = firstValue(payload, RecordIDKeys)
	if req.RecordID == "" {
		return types.ParsedRequest{}, apperr.Validation(RecordIDKeys[0],
			"a call record id is required (one of "+strings.Join(RecordIDKeys, ", ")+")")
	}
	req.RecordingURL = firstValue(payload, RecordingURLKeys)
	req.Language = firstValue(payload, languageKeys)

	if raw := firstValue(payload, translateKeys); raw != "" {
		translate, err := parseBool(raw)
		if err != nil {
			return types.ParsedRequest{}, apperr.Validation(translateKeys[0], "translate must be a boolean")
		}
		req.Translate = &translate
	}
	return req, nil
}

func firstValue(payload map[string]any, keys []string) string {
	for _, k := range keys {
		if v := scalarString(payload[k]); v != "" {
			return v
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []string:
		if len(t) > 0 {
			return strings.TrimSpace(t[0])
		}
		return ""
	case []any:
		if len(t) > 0 {
			return scalarString(t[0])
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}
