package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRecorder writes one message per record to a single topic, keyed by room id so a
// room's history stays ordered within its partition.
type KafkaRecorder struct {
	writer messageWriter
	topic  string
}

func NewKafkaRecorder(brokers []string, topic string) *KafkaRecorder {
	return &KafkaRecorder{
		topic: topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  true,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				log.Warn().Str("component", "eventlog").Msgf(msg, args...)
			}),
		},
	}
}

func (k *KafkaRecorder) Record(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	value, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("room_id", rec.RoomID).Str("kind", rec.Kind).Msg("failed to encode event record")
		return
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.RoomID),
		Value: value,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(rec.Kind)},
		},
	})
	if err != nil {
		log.Warn().Err(err).Str("topic", k.topic).Str("room_id", rec.RoomID).Msg("failed to write event record")
	}
}

func (k *KafkaRecorder) Close() error {
	return k.writer.Close()
}
