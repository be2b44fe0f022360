package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Response status values mirrored by the HTTP status code.
const (
	StatusSuccess           = "success"
	StatusBadRequest        = "bad_request"
	StatusPositioningFailed = "positioning_failed"
	StatusServerError       = "server_error"

	CodeSuccess           = 200
	CodeBadRequest        = 400
	CodePositioningFailed = 420
	CodeServerError       = 500
)

// BeaconSignal is a single RSSI measurement reported by a client.
type BeaconSignal struct {
	BeaconID    string          `json:"beacon_id"`
	BeaconName  string          `json:"beacon_name,omitempty"`
	RSSI        int16           `json:"rssi"`
	TimestampMS *int64          `json:"timestamp_ms,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// LocationOptions selects the algorithm and quality gate for one request.
// The Kalman and smoothing switches are carried through untouched; the
// engine has no temporal layer yet.
type LocationOptions struct {
	Algorithm          string          `json:"algorithm"`
	EnableKalmanFilter *bool           `json:"enable_kalman_filter,omitempty"`
	EnableSmoothing    *bool           `json:"enable_smoothing,omitempty"`
	MinConfidence      float64         `json:"min_confidence"`
	Extra              json.RawMessage `json:"extra,omitempty"`
}

// LocationRequest is the body of POST /locate.
type LocationRequest struct {
	ClientID           string          `json:"client_id"`
	DeviceID           string          `json:"device_id,omitempty"`
	Signals            []BeaconSignal  `json:"signals"`
	RequestTimestampMS *int64          `json:"request_timestamp_ms,omitempty"`
	Options            LocationOptions `json:"options"`
}

// Validate rejects structurally broken requests before they reach the
// positioning engine.
func (r LocationRequest) Validate() error {
	if r.ClientID == "" {
		return fmt.Errorf("client_id must not be empty")
	}
	if len(r.Signals) == 0 {
		return fmt.Errorf("signals must not be empty")
	}
	if len(r.Signals) < 3 {
		return fmt.Errorf("at least 3 beacon signals are required, got %d", len(r.Signals))
	}
	for i, s := range r.Signals {
		if s.BeaconID == "" {
			return fmt.Errorf("signal %d: beacon_id must not be empty", i)
		}
		if s.RSSI >= 0 {
			return fmt.Errorf("signal %d: RSSI must be negative, got %d", i, s.RSSI)
		}
	}
	return nil
}

// PositioningResult is the solver output as serialised to clients.
type PositioningResult struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	Confidence  float64 `json:"confidence"`
	Error       float64 `json:"error"`
	Algorithm   string  `json:"algorithm"`
	BeaconCount int     `json:"beacon_count"`
	TimestampMS int64   `json:"timestamp_ms,omitempty"`
}

// LocationResponse is the envelope for every /locate reply.
type LocationResponse struct {
	Status              string             `json:"status"`
	Code                int                `json:"code"`
	Message             string             `json:"message"`
	ClientID            string             `json:"client_id,omitempty"`
	Result              *PositioningResult `json:"result,omitempty"`
	Options             *LocationOptions   `json:"options,omitempty"`
	ErrorDetails        string             `json:"error_details,omitempty"`
	ResponseTimestampMS int64              `json:"response_timestamp_ms"`
}

// InventoryLocation places an inventory beacon inside the building.
type InventoryLocation struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Floor  string  `json:"floor"`
	AreaID string  `json:"area_id"`
}

// Validate checks the placement metadata.
func (l InventoryLocation) Validate() error {
	if l.Floor == "" {
		return fmt.Errorf("floor must not be empty")
	}
	if l.AreaID == "" {
		return fmt.Errorf("area_id must not be empty")
	}
	return nil
}

// InventoryBeacon is a managed BLE beacon device. It is a catalogue
// record, independent of the positioning anchors: the solver never reads
// these fields.
type InventoryBeacon struct {
	ID       string            `json:"id"`
	UUID     string            `json:"uuid"`
	Major    int               `json:"major"`
	Minor    int               `json:"minor"`
	Location InventoryLocation `json:"location"`
	Power    int               `json:"power"`
	Interval int               `json:"interval"`
	Status   string            `json:"status"`
}

// Validate enforces the catalogue invariants.
func (b InventoryBeacon) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("beacon id must not be empty")
	}
	if b.UUID == "" {
		return fmt.Errorf("beacon uuid must not be empty")
	}
	if b.Power < -100 || b.Power > 0 {
		return fmt.Errorf("power must be between -100 and 0 dBm, got %d", b.Power)
	}
	if b.Interval <= 0 {
		return fmt.Errorf("interval must be greater than 0, got %d", b.Interval)
	}
	return b.Location.Validate()
}

// IsActive reports whether the device should be broadcasting.
func (b InventoryBeacon) IsActive() bool {
	return b.Status == "active"
}

// SignalReading is one RSSI observation ingested over MQTT.
type SignalReading struct {
	BeaconID  string    `json:"beacon_id"`
	ClientID  string    `json:"client_id"`
	RSSI      int16     `json:"rssi"`
	Timestamp time.Time `json:"timestamp"`
}

// StoredSignalReading extends SignalReading with database metadata.
type StoredSignalReading struct {
	SignalReading
	ReceivedAt time.Time `json:"received_at"`
}

// PositionFix is a persisted position estimate for a tracked client.
type PositionFix struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Z           float64   `json:"z"`
	Confidence  float64   `json:"confidence"`
	Error       float64   `json:"error"`
	Algorithm   string    `json:"algorithm"`
	BeaconCount int       `json:"beacon_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	BeaconID string `json:"beacon_id"`
	Payload  string `json:"payload"`
	Error    string `json:"error"`
}
