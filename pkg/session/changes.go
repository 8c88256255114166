package session

import (
	"fmt"
	"strings"

	"github.com/r3labs/diff"
	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/events"
	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/pkg/models"
)

// changelog lists the fields that differ between two beliefs.
func changelog(prev, next models.DeviceState) []events.Change {
	cl, err := diff.Diff(prev, next)
	if err != nil {
		logging.Debug("state diff failed", zap.Error(err))
		return nil
	}

	out := make([]events.Change, 0, len(cl))
	for _, c := range cl {
		field := strings.Join(c.Path, ".")
		out = append(out, events.Change{
			Field: field,
			From:  formatValue(field, c.From),
			To:    formatValue(field, c.To),
		})
	}
	return out
}

func formatValue(field string, v interface{}) string {
	if field == "mode" {
		switch n := v.(type) {
		case int64:
			return models.Mode(n).String()
		case int:
			return models.Mode(n).String()
		}
	}
	return fmt.Sprint(v)
}

// eventType names an event after the most significant field that moved.
func eventType(prev, next models.DeviceState) string {
	switch {
	case prev.Connected != next.Connected:
		return events.EventConnection
	case prev.SessionID != next.SessionID:
		return events.EventSession
	case prev.Mode != next.Mode:
		return events.EventMode
	default:
		return events.EventRecording
	}
}
