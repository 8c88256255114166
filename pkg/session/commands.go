package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/pkg/fault"
	"github.com/dashctl/dashctl/pkg/models"
	"github.com/dashctl/dashctl/pkg/protocol"
)

// MinPasswordLength is the shortest passphrase the device accepts.
const MinPasswordLength = 8

// modeFromValue maps the mode-status Value node. 0 and 1 are both reported
// while in movie mode, depending on firmware.
func modeFromValue(v int) (models.Mode, bool) {
	switch v {
	case 0, 1:
		return models.ModeRecording, true
	case 2:
		return models.ModePreview, true
	case 3:
		return models.ModeReview, true
	case 4:
		return models.ModePhoto, true
	default:
		return models.ModeUnknown, false
	}
}

// nextMode returns the successor in the fixed cycle and the mode-set
// parameter that reaches it.
func nextMode(current models.Mode) (models.Mode, string, bool) {
	switch current {
	case models.ModeRecording, models.ModePreview:
		return models.ModePhoto, protocol.ParModePhoto, true
	case models.ModePhoto:
		return models.ModeReview, protocol.ParModePlayback, true
	case models.ModeReview:
		return models.ModeRecording, protocol.ParModeMovie, true
	default:
		return models.ModeUnknown, "", false
	}
}

// QueryMode asks the device for its mode. Any failure leaves the belief at
// Unknown rather than the previous value.
func (c *Controller) QueryMode(ctx context.Context) (models.Mode, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("query mode"); err != nil {
		return models.ModeUnknown, err
	}
	return c.queryModeLocked(ctx)
}

func (c *Controller) queryModeLocked(ctx context.Context) (models.Mode, error) {
	mode, err := c.readMode(ctx)
	c.setState(func(s *models.DeviceState) { s.Mode = mode })
	if err != nil {
		logging.Warn("mode query failed", zap.Error(err))
		return models.ModeUnknown, err
	}
	return mode, nil
}

func (c *Controller) readMode(ctx context.Context) (models.Mode, error) {
	res, err := c.send(ctx, "query mode", protocol.Command{ID: protocol.CmdModeStatus})
	if err != nil {
		return models.ModeUnknown, err
	}
	v, err := res.IntValue()
	if err != nil {
		return models.ModeUnknown, fault.WithOp("query mode", err)
	}
	mode, ok := modeFromValue(v)
	if !ok {
		return models.ModeUnknown, fault.WithOp("query mode",
			fault.Malformed(fmt.Errorf("unrecognized mode value %d", v)))
	}
	return mode, nil
}

// QueryRecording asks the device whether it is recording. A failed query is
// an error, never "not recording", and leaves the belief alone.
func (c *Controller) QueryRecording(ctx context.Context) (bool, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("query recording"); err != nil {
		return false, err
	}
	return c.queryRecordingLocked(ctx)
}

func (c *Controller) queryRecordingLocked(ctx context.Context) (bool, error) {
	res, err := c.send(ctx, "query recording", protocol.Command{ID: protocol.CmdRecordingStatus})
	if err != nil {
		return false, err
	}
	v, err := res.IntValue()
	if err != nil {
		return false, fault.WithOp("query recording", err)
	}
	recording := v > 0
	c.setState(func(s *models.DeviceState) { s.Recording = recording })
	return recording, nil
}

// ToggleRecording starts recording if currentlyRecording is false and stops
// it otherwise. On success the belief flips to the requested state without
// re-reading it; the next poll or Refresh corrects it if the device
// disagrees. On failure the belief is unchanged and currentlyRecording is
// returned.
func (c *Controller) ToggleRecording(ctx context.Context, currentlyRecording bool) (bool, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("toggle recording"); err != nil {
		return currentlyRecording, err
	}
	return c.toggleRecordingLocked(ctx, currentlyRecording)
}

// ToggleRecordingChecked reads the recording status from the device and
// then toggles it, holding the operation lock across both round trips. If
// the status query fails nothing is sent.
func (c *Controller) ToggleRecordingChecked(ctx context.Context) (bool, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("toggle recording"); err != nil {
		return c.IsRecording(), err
	}
	current, err := c.queryRecordingLocked(ctx)
	if err != nil {
		return c.IsRecording(), err
	}
	return c.toggleRecordingLocked(ctx, current)
}

func (c *Controller) toggleRecordingLocked(ctx context.Context, currentlyRecording bool) (bool, error) {
	par := protocol.ParRecordStart
	if currentlyRecording {
		par = protocol.ParRecordStop
	}
	if _, err := c.send(ctx, "toggle recording", protocol.Command{ID: protocol.CmdRecord, Par: par}); err != nil {
		logging.Warn("recording toggle failed", zap.Bool("was_recording", currentlyRecording), zap.Error(err))
		return currentlyRecording, err
	}

	want := !currentlyRecording
	c.setState(func(s *models.DeviceState) { s.Recording = want })
	return want, nil
}

// SetRecording requests a specific recording state.
func (c *Controller) SetRecording(ctx context.Context, on bool) (bool, error) {
	return c.ToggleRecording(ctx, !on)
}

// AdvanceMode moves one step along Recording/Preview -> Photo -> Review ->
// Recording. There are no direct jumps. On failure current is returned and
// the belief is unchanged.
func (c *Controller) AdvanceMode(ctx context.Context, current models.Mode) (models.Mode, error) {
	next, par, ok := nextMode(current)
	if !ok {
		return current, fault.Invalid("advance mode", "no transition from mode %s", current)
	}

	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("advance mode"); err != nil {
		return current, err
	}
	return c.advanceModeLocked(ctx, current, next, par)
}

// AdvanceModeChecked queries the mode and advances from the mode the device
// reports, holding the operation lock across both round trips. A failed
// query leaves the mode Unknown and sends nothing.
func (c *Controller) AdvanceModeChecked(ctx context.Context) (models.Mode, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("advance mode"); err != nil {
		return c.CurrentMode(), err
	}
	current, err := c.queryModeLocked(ctx)
	if err != nil {
		return current, err
	}
	next, par, ok := nextMode(current)
	if !ok {
		return current, fault.Invalid("advance mode", "no transition from mode %s", current)
	}
	return c.advanceModeLocked(ctx, current, next, par)
}

func (c *Controller) advanceModeLocked(ctx context.Context, current, next models.Mode, par string) (models.Mode, error) {
	if _, err := c.send(ctx, "advance mode", protocol.Command{ID: protocol.CmdSetMode, Par: par}); err != nil {
		logging.Warn("mode change failed",
			zap.Stringer("from", current),
			zap.Stringer("to", next),
			zap.Error(err))
		return current, err
	}

	c.setState(func(s *models.DeviceState) { s.Mode = next })
	return next, nil
}

// SyncClock sets the device date and time from now. The two commands are
// independent; a ClockSyncError names the half that failed.
func (c *Controller) SyncClock(ctx context.Context, now time.Time) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("sync clock"); err != nil {
		return err
	}

	_, dateErr := c.send(ctx, "set date", protocol.Command{ID: protocol.CmdSetDate, Str: now.Format("2006-01-02")})
	_, timeErr := c.send(ctx, "set time", protocol.Command{ID: protocol.CmdSetTime, Str: now.Format("15:04:05")})
	if dateErr != nil || timeErr != nil {
		err := &ClockSyncError{DateErr: dateErr, TimeErr: timeErr}
		logging.Warn("clock sync incomplete", zap.Error(err))
		return err
	}

	logging.Info("device clock synced", zap.Time("time", now))
	return nil
}

// LiveViewLink returns the stream URL for current. Review and Unknown have
// no live view and are refused before any request.
func (c *Controller) LiveViewLink(ctx context.Context, current models.Mode) (string, error) {
	var field string
	switch {
	case current.MovieFamily():
		field = protocol.FieldMovieLiveViewLink
	case current == models.ModePhoto:
		field = protocol.FieldPhotoLiveViewLink
	default:
		return "", fault.Invalid("live view", "no live view in mode %s", current)
	}

	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("live view"); err != nil {
		return "", err
	}

	res, err := c.send(ctx, "live view", protocol.Command{ID: protocol.CmdLiveViewLinks})
	if err != nil {
		return "", err
	}
	link, err := res.Field(field)
	if err != nil {
		return "", fault.WithOp("live view", err)
	}
	return link, nil
}

// ConfigureWifi sets the access point SSID and passphrase. The passphrase
// length is checked locally first. The two commands are independent; a
// WifiConfigError reports each outcome. The network is not restarted.
func (c *Controller) ConfigureWifi(ctx context.Context, ssid, password string) error {
	if strings.TrimSpace(ssid) == "" {
		return fault.Invalid("configure wifi", "ssid must not be empty")
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return fault.Invalid("configure wifi", "password must be at least %d characters", MinPasswordLength)
	}

	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("configure wifi"); err != nil {
		return err
	}

	_, ssidErr := c.send(ctx, "set ssid", protocol.Command{ID: protocol.CmdSetSSID, Str: ssid})
	_, passErr := c.send(ctx, "set password", protocol.Command{ID: protocol.CmdSetPassphrase, Str: password})
	if ssidErr != nil || passErr != nil {
		return &WifiConfigError{SSIDErr: ssidErr, PasswordErr: passErr}
	}

	logging.Info("wifi credentials updated", zap.String("ssid", ssid))
	return nil
}

// RestartWifi restarts the device's access point. The connection drops
// while it comes back.
func (c *Controller) RestartWifi(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("restart wifi"); err != nil {
		return err
	}
	_, err := c.send(ctx, "restart wifi", protocol.Command{ID: protocol.CmdRestartWifi})
	return err
}

// TakePhoto captures a still.
func (c *Controller) TakePhoto(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("take photo"); err != nil {
		return err
	}
	_, err := c.send(ctx, "take photo", protocol.Command{ID: protocol.CmdTakePhoto})
	return err
}

// Refresh re-polls mode and recording, overriding any optimistic value.
func (c *Controller) Refresh(ctx context.Context) (models.StateSnapshot, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if err := c.checkLocked("refresh"); err != nil {
		return c.State(), err
	}
	err := c.syncLocked(ctx)
	return c.State(), err
}

func (c *Controller) syncLocked(ctx context.Context) error {
	_, modeErr := c.queryModeLocked(ctx)
	_, recErr := c.queryRecordingLocked(ctx)
	return errors.Join(modeErr, recErr)
}
