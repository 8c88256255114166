package session

import (
	"errors"
	"strings"
)

// ClockSyncError reports which half of a clock sync failed. The device keeps
// whichever half it accepted; nothing is rolled back.
type ClockSyncError struct {
	DateErr error
	TimeErr error
}

func (e *ClockSyncError) Error() string {
	var parts []string
	if e.DateErr != nil {
		parts = append(parts, "date: "+e.DateErr.Error())
	}
	if e.TimeErr != nil {
		parts = append(parts, "time: "+e.TimeErr.Error())
	}
	return "sync clock: " + strings.Join(parts, "; ")
}

func (e *ClockSyncError) Unwrap() []error {
	return nonNil(e.DateErr, e.TimeErr)
}

// AsClockSync checks if an error is a ClockSyncError and returns it.
func AsClockSync(err error) (*ClockSyncError, bool) {
	var ce *ClockSyncError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// WifiConfigError reports the SSID and passphrase outcomes separately.
type WifiConfigError struct {
	SSIDErr     error
	PasswordErr error
}

func (e *WifiConfigError) Error() string {
	var parts []string
	if e.SSIDErr != nil {
		parts = append(parts, "ssid: "+e.SSIDErr.Error())
	}
	if e.PasswordErr != nil {
		parts = append(parts, "password: "+e.PasswordErr.Error())
	}
	return "configure wifi: " + strings.Join(parts, "; ")
}

func (e *WifiConfigError) Unwrap() []error {
	return nonNil(e.SSIDErr, e.PasswordErr)
}

// AsWifiConfig checks if an error is a WifiConfigError and returns it.
func AsWifiConfig(err error) (*WifiConfigError, bool) {
	var we *WifiConfigError
	if errors.As(err, &we) {
		return we, true
	}
	return nil, false
}

func nonNil(errs ...error) []error {
	out := errs[:0:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}
