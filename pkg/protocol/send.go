package protocol

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/internal/metrics"
	"github.com/dashctl/dashctl/pkg/fault"
)

// Getter is the transport seen by the codec.
type Getter interface {
	Get(ctx context.Context, requestURL string) ([]byte, error)
	BaseURL() string
}

// Send issues cmd and decodes the reply. A non-zero status returns both the
// decoded result and a DeviceRejected error so callers can report the code.
func Send(ctx context.Context, g Getter, cmd Command) (*Result, error) {
	start := time.Now()
	res, err := send(ctx, g, cmd)
	observe(cmd, start, err)
	return res, err
}

func send(ctx context.Context, g Getter, cmd Command) (*Result, error) {
	body, err := g.Get(ctx, Encode(g.BaseURL(), cmd))
	if err != nil {
		return nil, err
	}

	res, err := Decode(body)
	if err != nil {
		return nil, err
	}

	if !res.OK() {
		return res, fault.Rejected(res.Status)
	}
	return res, nil
}

// Fetch issues cmd and returns the raw body, for replies that are not
// command-style (the file list).
func Fetch(ctx context.Context, g Getter, cmd Command) ([]byte, error) {
	start := time.Now()
	body, err := g.Get(ctx, Encode(g.BaseURL(), cmd))
	observe(cmd, start, err)
	return body, err
}

func observe(cmd Command, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = fault.KindOf(err).String()
	}
	metrics.RecordCommand(cmd.Name(), result, time.Since(start))

	if err != nil {
		logging.Debug("device command failed",
			zap.String("command", cmd.Name()),
			zap.Int("cmd", cmd.ID),
			zap.Error(err))
		return
	}
	logging.Debug("device command ok",
		zap.String("command", cmd.Name()),
		zap.Duration("duration", time.Since(start)))
}
