// Package mqttbridge mirrors device state onto an MQTT broker and accepts
// recording and mode commands from it.
//
// Topics, relative to the configured base:
//
//	<base>/state          retained JSON snapshot, republished on every change
//	<base>/availability   "online" / "offline" (last will)
//	<base>/error          JSON report of a failed remote command
//	<base>/set/recording  "on", "off" or "toggle"
//	<base>/set/mode       "advance"
//	<base>/set/refresh    any payload
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/events"
	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/pkg/fault"
	"github.com/dashctl/dashctl/pkg/models"
)

const publishTimeout = 5 * time.Second

// Controller is the part of the session controller the bridge drives.
type Controller interface {
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
	State() models.StateSnapshot
	ToggleRecordingChecked(ctx context.Context) (bool, error)
	SetRecording(ctx context.Context, on bool) (bool, error)
	AdvanceModeChecked(ctx context.Context) (models.Mode, error)
	Refresh(ctx context.Context) (models.StateSnapshot, error)
}

// Client is the subset of mqtt.Client used by the bridge.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Connect dials the broker named by uri. Credentials are taken from the
// URI's user info.
func Connect(clientID string, uri *url.URL, baseTopic string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", uri.Host))
	opts.SetUsername(uri.User.Username())
	password, _ := uri.User.Password()
	opts.SetPassword(password)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetWill(baseTopic+"/availability", "offline", 1, true)
	opts.CleanSession = false

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to %s: timed out", uri.Host)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", uri.Host, err)
	}
	return client, nil
}

type command struct {
	topic   string
	payload string
}

// Bridge relays between one controller and one broker.
type Bridge struct {
	client   Client
	ctrl     Controller
	topic    string
	commands chan command
}

// New creates a bridge under baseTopic.
func New(client Client, ctrl Controller, baseTopic string) *Bridge {
	return &Bridge{
		client:   client,
		ctrl:     ctrl,
		topic:    strings.TrimSuffix(baseTopic, "/"),
		commands: make(chan command, 16),
	}
}

// Run publishes state changes and executes incoming commands until ctx is
// done. Commands run on this goroutine, never on the MQTT callback.
func (b *Bridge) Run(ctx context.Context) error {
	ch := b.ctrl.Subscribe()
	defer b.ctrl.Unsubscribe(ch)

	filter := b.topic + "/set/#"
	if err := wait(b.client.Subscribe(filter, 1, b.onMessage)); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	defer b.client.Unsubscribe(filter)

	b.publish("availability", true, "online")
	b.publishState(b.ctrl.State())
	logging.Info("mqtt bridge running", zap.String("topic", b.topic))

	for {
		select {
		case <-ctx.Done():
			b.publish("availability", true, "offline")
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			b.publishState(ev.State)
		case cmd := <-b.commands:
			if err := b.execute(ctx, cmd.topic, cmd.payload); err != nil {
				b.reportError(cmd, err)
			}
		}
	}
}

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	cmd := command{topic: msg.Topic(), payload: string(msg.Payload())}
	select {
	case b.commands <- cmd:
	default:
		logging.Warn("mqtt command dropped, queue full", zap.String("topic", cmd.topic))
	}
}

// execute runs one command addressed to topic.
func (b *Bridge) execute(ctx context.Context, topic, payload string) error {
	action := strings.TrimPrefix(topic, b.topic+"/set/")
	payload = strings.ToLower(strings.TrimSpace(payload))
	logging.Debug("mqtt command", zap.String("action", action), zap.String("payload", payload))

	switch action {
	case "recording":
		switch payload {
		case "on", "true", "1", "start":
			_, err := b.ctrl.SetRecording(ctx, true)
			return err
		case "off", "false", "0", "stop":
			_, err := b.ctrl.SetRecording(ctx, false)
			return err
		case "toggle", "":
			_, err := b.ctrl.ToggleRecordingChecked(ctx)
			return err
		}
		return fault.Invalid("mqtt recording", "unknown payload %q", payload)
	case "mode":
		if payload != "advance" && payload != "" {
			return fault.Invalid("mqtt mode", "unknown payload %q", payload)
		}
		_, err := b.ctrl.AdvanceModeChecked(ctx)
		return err
	case "refresh":
		_, err := b.ctrl.Refresh(ctx)
		return err
	}
	return fault.Invalid("mqtt", "unknown command topic %q", topic)
}

func (b *Bridge) publishState(s models.StateSnapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		logging.Error("marshal state", zap.Error(err))
		return
	}
	b.publish("state", true, data)
}

func (b *Bridge) reportError(cmd command, err error) {
	logging.Warn("mqtt command failed", zap.String("topic", cmd.topic), zap.Error(err))
	report := map[string]string{
		"topic":   cmd.topic,
		"payload": cmd.payload,
		"error":   err.Error(),
		"kind":    fault.KindOf(err).String(),
	}
	if code, ok := fault.Code(err); ok {
		report["device_status"] = code
	}
	data, _ := json.Marshal(report)
	b.publish("error", false, data)
}

func (b *Bridge) publish(sub string, retained bool, payload interface{}) {
	topic := b.topic + "/" + sub
	if err := wait(b.client.Publish(topic, 1, retained, payload)); err != nil {
		logging.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func wait(token mqtt.Token) error {
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out")
	}
	return token.Error()
}
