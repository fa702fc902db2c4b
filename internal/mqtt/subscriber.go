package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"unicode/utf8"
)

// logMessage records every inbound message at debug level before
// dispatch. JSON objects contribute their "state" and "type" fields;
// binary payloads contribute their leading type byte.
func logMessage(logger *slog.Logger, topic string, payload []byte) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	fields := []any{
		"topic", topic,
		"payload_size", len(payload),
	}

	switch {
	case len(payload) > 0 && payload[0] == '{':
		var doc map[string]any
		if err := json.Unmarshal(payload, &doc); err == nil {
			if v, ok := doc["state"]; ok {
				fields = append(fields, "state", v)
			}
			if v, ok := doc["type"]; ok {
				fields = append(fields, "type", v)
			}
		}
	case len(payload) > 0 && !utf8.Valid(payload):
		fields = append(fields, "payload_type", payload[0])
	}

	logger.Debug("mqtt message received", fields...)
}
