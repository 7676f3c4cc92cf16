package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/config"
	"github.com/couchcryptid/mmts-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer produces aggregated rows to a Kafka topic.
// It implements pipeline.RowLoader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured row topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// LoadBatch serializes and publishes the rows of one acquisition in a single
// WriteMessages call. Rows of the same region land on the same partition.
func (w *Writer) LoadBatch(ctx context.Context, rows []domain.AggregatedRow) error {
	if len(rows) == 0 {
		return nil
	}
	processedAt := domain.Now()
	msgs := make([]kafkago.Message, len(rows))
	for i := range rows {
		msg, err := serializeToMessage(rows[i], processedAt)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d rows: %w", len(msgs), err)
	}
	w.logger.Debug("rows published", "topic", w.writer.Topic, "rows", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// Message is the JSON value of a published row. Null band means are JSON
// null and null attributes are omitted.
type Message struct {
	RegionID      string              `json:"region_id"`
	AcquisitionID string              `json:"acquisition_id"`
	Time          time.Time           `json:"time"`
	MatchCount    int                 `json:"match_count"`
	Attributes    map[string]float64  `json:"attributes,omitempty"`
	Values        map[string]*float64 `json:"values"`
}

// serializeToMessage marshals an AggregatedRow into a Kafka message.
func serializeToMessage(row domain.AggregatedRow, processedAt time.Time) (kafkago.Message, error) {
	m := Message{
		RegionID:      row.RegionID,
		AcquisitionID: row.AcquisitionID,
		Time:          row.Time.UTC(),
		MatchCount:    row.MatchCount,
		Values:        make(map[string]*float64, len(row.Values)),
	}
	for name, v := range row.Attributes {
		if domain.IsNull(v) {
			continue
		}
		if m.Attributes == nil {
			m.Attributes = make(map[string]float64, len(row.Attributes))
		}
		m.Attributes[name] = v
	}
	for _, name := range row.BandNames() {
		if v, ok := row.Value(name); ok {
			m.Values[name] = &v
		} else {
			m.Values[name] = nil
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize row %s/%s: %w", row.RegionID, row.AcquisitionID, err)
	}
	return kafkago.Message{
		Key:   []byte(row.RegionID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "acquisition_id", Value: []byte(row.AcquisitionID)},
			{Key: "processed_at", Value: []byte(processedAt.Format(time.RFC3339))},
		},
	}, nil
}
