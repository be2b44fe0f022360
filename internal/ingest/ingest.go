package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"blunav/positioning-server/internal/model"
	"blunav/positioning-server/internal/store"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscriber attaches to an external MQTT broker and feeds published
// signal readings into the store. Malformed payloads are recorded as
// ingestion errors and never interrupt the loop.
type Subscriber struct {
	brokerURL   string
	topicPrefix string
	logger      *slog.Logger
	store       *store.Store
	client      mqtt.Client
}

// New builds a subscriber for the given broker. The topic prefix selects
// the reading topics: <prefix>/<client_id>/readings.
func New(brokerURL, topicPrefix string, st *store.Store, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		brokerURL:   brokerURL,
		topicPrefix: topicPrefix,
		logger:      logger,
		store:       st,
	}
}

// Start connects and subscribes. It returns once the subscription is
// established; message handling happens on paho's delivery goroutines.
func (s *Subscriber) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.brokerURL).
		SetClientID(fmt.Sprintf("blunav-server-%d", time.Now().UnixNano())).
		SetOrderMatters(false).
		SetAutoReconnect(true)

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}

	topic := fmt.Sprintf("%s/+/readings", s.topicPrefix)
	if token := s.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(ctx, msg)
	}); token.Wait() && token.Error() != nil {
		s.client.Disconnect(250)
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}

	s.logger.Info("mqtt ingestion started", "broker", s.brokerURL, "topic", topic)
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(250)
	s.logger.Info("mqtt ingestion stopped")
}

type readingPayload struct {
	BeaconID  string `json:"beacon_id"`
	ClientID  string `json:"client_id"`
	RSSI      int16  `json:"rssi"`
	Timestamp string `json:"timestamp"`
}

func (s *Subscriber) handleMessage(ctx context.Context, msg mqtt.Message) {
	var payload readingPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		s.logger.Warn("mqtt payload decode failed", "topic", msg.Topic(), "error", err)
		s.recordIngestionError(ctx, "", msg.Payload(), fmt.Errorf("decode payload: %w", err))
		return
	}

	if payload.ClientID == "" {
		payload.ClientID = clientFromTopic(msg.Topic())
	}

	if payload.BeaconID == "" || payload.ClientID == "" {
		err := fmt.Errorf("missing required identifiers (beacon_id=%q client_id=%q)", payload.BeaconID, payload.ClientID)
		s.logger.Warn("mqtt payload validation failed", "topic", msg.Topic(), "error", err)
		s.recordIngestionError(ctx, payload.BeaconID, msg.Payload(), err)
		return
	}
	if payload.RSSI >= 0 {
		err := fmt.Errorf("RSSI must be negative, got %d", payload.RSSI)
		s.logger.Warn("mqtt payload validation failed", "topic", msg.Topic(), "error", err)
		s.recordIngestionError(ctx, payload.BeaconID, msg.Payload(), err)
		return
	}

	recordedAt, err := time.Parse(time.RFC3339Nano, payload.Timestamp)
	if err != nil {
		recordedAt, err = time.Parse(time.RFC3339, payload.Timestamp)
	}
	if err != nil {
		recordedAt = time.Now().UTC()
	}

	reading := model.SignalReading{
		BeaconID:  payload.BeaconID,
		ClientID:  payload.ClientID,
		RSSI:      payload.RSSI,
		Timestamp: recordedAt,
	}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.store.InsertSignalReading(storeCtx, reading); err != nil {
		s.logger.Error("failed to persist signal reading", "beacon", reading.BeaconID, "client", reading.ClientID, "error", err)
		s.recordIngestionError(ctx, reading.BeaconID, msg.Payload(), err)
		return
	}

	s.logger.Debug("ingested signal reading", "beacon", reading.BeaconID, "client", reading.ClientID, "rssi", reading.RSSI)
}

func (s *Subscriber) recordIngestionError(ctx context.Context, beaconID string, payload []byte, cause error) {
	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		BeaconID: beaconID,
		Payload:  truncateString(string(payload), 4096),
		Error:    cause.Error(),
	}

	if err := s.store.InsertIngestionError(recCtx, entry); err != nil {
		s.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func clientFromTopic(topic string) string {
	// signals/<client_id>/readings
	start := -1
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			if start < 0 {
				start = i + 1
			} else {
				return topic[start:i]
			}
		}
	}
	return ""
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
