// Package protocol encodes device commands and decodes the device's XML replies.
package protocol

import (
	"net/url"
	"strconv"
	"strings"
)

// Command IDs understood by the device firmware.
const (
	CmdTakePhoto       = 1001
	CmdRecord          = 2001
	CmdRecordingStatus = 2016
	CmdSetMode         = 3001
	CmdSetSSID         = 3003
	CmdSetPassphrase   = 3004
	CmdSetDate         = 3005
	CmdSetTime         = 3006
	CmdListFiles       = 3015
	CmdHeartbeat       = 3016
	CmdRestartWifi     = 3018
	CmdLiveViewLinks   = 3035
	CmdModeStatus      = 3037
	CmdDeleteFile      = 4003
)

// Mode-set parameters for CmdSetMode.
const (
	ParModePhoto    = "0"
	ParModeMovie    = "1"
	ParModePlayback = "2"
)

// Recording parameters for CmdRecord.
const (
	ParRecordStop  = "0"
	ParRecordStart = "1"
)

// Command is one request in the device's query-string dialect.
// Empty Par or Str are omitted from the request.
type Command struct {
	ID  int
	Par string
	Str string
}

// Name returns a short label used in logs and metrics.
func (c Command) Name() string {
	switch c.ID {
	case CmdTakePhoto:
		return "take_photo"
	case CmdRecord:
		return "record"
	case CmdRecordingStatus:
		return "recording_status"
	case CmdSetMode:
		return "set_mode"
	case CmdSetSSID:
		return "set_ssid"
	case CmdSetPassphrase:
		return "set_passphrase"
	case CmdSetDate:
		return "set_date"
	case CmdSetTime:
		return "set_time"
	case CmdListFiles:
		return "list_files"
	case CmdHeartbeat:
		return "heartbeat"
	case CmdRestartWifi:
		return "restart_wifi"
	case CmdLiveViewLinks:
		return "live_view_links"
	case CmdModeStatus:
		return "mode_status"
	case CmdDeleteFile:
		return "delete_file"
	default:
		return strconv.Itoa(c.ID)
	}
}

// Encode builds the request URL for cmd against baseURL.
// Parameters keep the device's fixed order: custom, cmd, par, str.
func Encode(baseURL string, cmd Command) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(baseURL, "/"))
	b.WriteString("/?custom=1&cmd=")
	b.WriteString(strconv.Itoa(cmd.ID))
	if cmd.Par != "" {
		b.WriteString("&par=")
		b.WriteString(Escape(cmd.Par))
	}
	if cmd.Str != "" {
		b.WriteString("&str=")
		b.WriteString(Escape(cmd.Str))
	}
	return b.String()
}

// Escape percent-encodes a parameter value. The firmware does not decode
// '+' as a space, so spaces are sent as %20.
func Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
