// v0
// internal/transport/mqtt.go
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/circuitbreaker"
	"nrgchamp/growcontrol/internal/models"
)

// Client is the subset of mqtt.Client the publisher needs.
type Client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config of the command publisher.
type Config struct {
	Broker         string
	ClientID       string
	QoS            byte
	PublishTimeout time.Duration
	ConnectTimeout time.Duration // total budget for the initial connect retries
}

// commandPayload is the wire body of a command.
type commandPayload struct {
	Cmd    string         `json:"cmd"`
	Params map[string]any `json:"params,omitempty"`
	CmdID  string         `json:"cmd_id"`
	TS     int64          `json:"ts"`
}

var errPublishTimeout = errors.New("publish timed out")

// Publisher sends actuator commands over MQTT behind a circuit breaker.
type Publisher struct {
	client  Client
	cfg     Config
	breaker *circuitbreaker.Breaker
	lg      *zap.SugaredLogger
	now     func() time.Time
	newID   func() string
}

// NewMQTT builds a publisher with a paho client. Call Connect before use.
func NewMQTT(cfg Config, breaker *circuitbreaker.Breaker, lg *zap.SugaredLogger) *Publisher {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			lg.Warnw("mqtt_connection_lost", "broker", cfg.Broker, "error", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			lg.Infow("mqtt_connected", "broker", cfg.Broker)
		})
	return NewWithClient(mqtt.NewClient(opts), cfg, breaker, lg)
}

// NewWithClient wraps an existing client.
func NewWithClient(client Client, cfg Config, breaker *circuitbreaker.Breaker, lg *zap.SugaredLogger) *Publisher {
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Minute
	}
	return &Publisher{
		client:  client,
		cfg:     cfg,
		breaker: breaker,
		lg:      lg,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Connect dials the broker with exponential back-off until ConnectTimeout or ctx ends.
func (p *Publisher) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = p.cfg.ConnectTimeout

	attempt := 0
	op := func() error {
		attempt++
		tok := p.client.Connect()
		if !tok.WaitTimeout(p.cfg.PublishTimeout) {
			return errPublishTimeout
		}
		if err := tok.Error(); err != nil {
			p.lg.Warnw("mqtt_connect_failed", "broker", p.cfg.Broker, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("%w: connect %s: %v", models.ErrTransport, p.cfg.Broker, err)
	}
	return nil
}

// Topic is hydro/{zone_id}/{node_uid}/{channel}/command.
func Topic(cmd models.Command) string {
	return fmt.Sprintf("hydro/%d/%s/%s/command", cmd.ZoneID, cmd.NodeUID, cmd.Channel)
}

// Publish sends one command and returns its id. The id is returned on
// failure too so the attempt can be audited.
func (p *Publisher) Publish(ctx context.Context, cmd models.Command) (string, error) {
	cmdID := p.newID()
	body, err := json.Marshal(commandPayload{Cmd: cmd.Cmd, Params: cmd.Params, CmdID: cmdID, TS: p.now().UnixMilli()})
	if err != nil {
		return cmdID, fmt.Errorf("encode command: %w", err)
	}
	topic := Topic(cmd)
	send := func(context.Context) error {
		tok := p.client.Publish(topic, p.cfg.QoS, false, body)
		if !tok.WaitTimeout(p.cfg.PublishTimeout) {
			return errPublishTimeout
		}
		return tok.Error()
	}
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		p.lg.Warnw("mqtt_publish_failed", "topic", topic, "cmd_id", cmdID, "error", err)
		return cmdID, err
	}
	p.lg.Debugw("mqtt_published", "topic", topic, "cmd_id", cmdID)
	return cmdID, nil
}

// Close disconnects, allowing in-flight messages 250ms.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
