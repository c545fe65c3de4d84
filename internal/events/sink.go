// v0
// internal/events/sink.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/models"
)

// Store persists zone events.
type Store interface {
	InsertEvent(ctx context.Context, ev models.ZoneEvent) error
}

// Writer is satisfied by *kafka.Writer and *circuitbreaker.CBKafkaWriter.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Sink writes zone events to storage and mirrors them on Kafka.
type Sink struct {
	store       Store
	writer      Writer
	topicPrefix string
	lg          *zap.SugaredLogger
	now         func() time.Time
	newID       func() string
}

// New builds a sink. writer may be nil to disable mirroring.
func New(store Store, writer Writer, topicPrefix string, lg *zap.SugaredLogger) *Sink {
	return &Sink{
		store:       store,
		writer:      writer,
		topicPrefix: topicPrefix,
		lg:          lg,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// NewKafkaWriter returns a writer that routes by message topic.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// Topic returns the per-zone topic name.
func (s *Sink) Topic(zoneID int64) string {
	return s.topicPrefix + strconv.FormatInt(zoneID, 10)
}

// Emit stores one event. The Kafka mirror is best effort; only the storage
// write can fail the call.
func (s *Sink) Emit(ctx context.Context, zoneID int64, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	ev := models.ZoneEvent{
		ID:        s.newID(),
		ZoneID:    zoneID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertEvent(ctx, ev); err != nil {
		return err
	}
	s.mirror(ctx, ev)
	return nil
}

func (s *Sink) mirror(ctx context.Context, ev models.ZoneEvent) {
	if s.writer == nil {
		return
	}
	value, err := json.Marshal(ev)
	if err != nil {
		s.lg.Warnw("event_mirror_encode_failed", "zone", ev.ZoneID, "type", ev.Type, "error", err)
		return
	}
	msg := kafka.Message{
		Topic: s.Topic(ev.ZoneID),
		Key:   []byte(strconv.FormatInt(ev.ZoneID, 10)),
		Value: value,
		Time:  ev.CreatedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.lg.Warnw("event_mirror_failed", "zone", ev.ZoneID, "type", ev.Type, "error", err)
	}
}
