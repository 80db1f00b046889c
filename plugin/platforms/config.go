package platforms

import (
	"github.com/hrygo/wxbridge/internal/apperr"
)

// confString reads an optional string key from a platform config map.
func confString(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// confRequiredString reads a mandatory string key.
func confRequiredString(config map[string]any, key string) (string, error) {
	v, ok := config[key].(string)
	if !ok || v == "" {
		return "", apperr.New(apperr.KindConfig, "missing required config key %q", key)
	}
	return v, nil
}

// confFloat reads a numeric key. JSON decoding yields float64; stored int
// values are accepted too.
func confFloat(config map[string]any, key string, fallback float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func confInt(config map[string]any, key string, fallback int) int {
	return int(confFloat(config, key, float64(fallback)))
}

func confBool(config map[string]any, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return fallback
}

// confSendMode reads the shared send_mode key.
func confSendMode(config map[string]any) SendMode {
	if confString(config, "send_mode", string(SendModeNormal)) == string(SendModeTyping) {
		return SendModeTyping
	}
	return SendModeNormal
}
