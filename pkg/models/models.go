// Package models contains data types shared by the catalog, controller and adapters.
package models

import (
	"math"
	"time"
)

// FileRecord is one recording listed by the device.
// Index is only meaningful within a single fetch; use Path across refreshes.
type FileRecord struct {
	Index  int     `json:"index"`
	Name   string  `json:"name"`
	SizeMB float64 `json:"size_mb"`
	Bytes  int64   `json:"bytes"`
	Time   string  `json:"time"`
	Path   string  `json:"path"`
}

// SizeMB converts a byte count to megabytes rounded to two decimals.
func SizeMB(bytes int64) float64 {
	return math.Round(float64(bytes)/(1024*1024)*100) / 100
}

// Mode is the device operating mode as believed by the controller.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeRecording
	ModePreview
	ModePhoto
	ModeReview
)

func (m Mode) String() string {
	switch m {
	case ModeRecording:
		return "recording"
	case ModePreview:
		return "preview"
	case ModePhoto:
		return "photo"
	case ModeReview:
		return "review"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) Mode {
	switch s {
	case "recording":
		return ModeRecording
	case "preview":
		return ModePreview
	case "photo":
		return ModePhoto
	case "review":
		return ModeReview
	default:
		return ModeUnknown
	}
}

// MovieFamily reports whether the mode streams the movie live view.
func (m Mode) MovieFamily() bool {
	return m == ModeRecording || m == ModePreview
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	*m = ParseMode(string(b))
	return nil
}

// DeviceState is the controller's cached belief about the device.
type DeviceState struct {
	Mode      Mode   `json:"mode" diff:"mode"`
	Recording bool   `json:"recording" diff:"recording"`
	Connected bool   `json:"connected" diff:"connected"`
	SessionID string `json:"session_id" diff:"session_id"`
}

// StateSnapshot is a DeviceState stamped with the time it was derived.
type StateSnapshot struct {
	DeviceState
	UpdatedAt time.Time `json:"updated_at"`
}
