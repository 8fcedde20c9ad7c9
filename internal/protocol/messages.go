// Package protocol defines the MQTT topic layout and JSON payload formats
// exchanged between the controller and the door/environment sensors.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Door switch actions
const (
	ActionOn  = "ON"  // contact closed, door shut
	ActionOff = "OFF" // contact open, door open
)

// MeasurementType identifies which physical quantity a telemetry message carries
type MeasurementType string

const (
	MeasurementTemperature MeasurementType = "temperature"
	MeasurementHumidity    MeasurementType = "humidity"
	MeasurementPressure    MeasurementType = "pressure"
)

// Valid reports whether t is one of the known measurement types
func (t MeasurementType) Valid() bool {
	switch t {
	case MeasurementTemperature, MeasurementHumidity, MeasurementPressure:
		return true
	}
	return false
}

// ErrMalformed is returned for payloads that cannot be decoded or lack the
// expected field. Callers drop such messages.
var ErrMalformed = errors.New("malformed payload")

// TopicWildcard matches exactly one topic level
const TopicWildcard = "+"

// MatchTopic reports whether topic matches pattern. Segments are compared
// one by one; "+" matches any single segment and both must have the same
// number of segments.
func MatchTopic(topic, pattern string) bool {
	ts := strings.Split(topic, "/")
	ps := strings.Split(pattern, "/")
	if len(ts) != len(ps) {
		return false
	}
	for i, p := range ps {
		if p != TopicWildcard && p != ts[i] {
			return false
		}
	}
	return true
}

// DoorPayload is the JSON body published by the door contact sensor:
// {"Switch1":{"Action":"ON"}}
type DoorPayload struct {
	Switch1 *struct {
		Action string `json:"Action"`
	} `json:"Switch1"`
}

// DecodeDoorState returns true when the payload reports the door as open.
func DecodeDoorState(data []byte) (bool, error) {
	var p DoorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Switch1 == nil {
		return false, fmt.Errorf("%w: missing Switch1", ErrMalformed)
	}
	switch p.Switch1.Action {
	case ActionOff:
		return true, nil
	case ActionOn:
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown action %q", ErrMalformed, p.Switch1.Action)
	}
}

// EncodeDoorState builds the payload a door sensor would publish
func EncodeDoorState(open bool) []byte {
	action := ActionOn
	if open {
		action = ActionOff
	}
	return []byte(fmt.Sprintf(`{"Switch1":{"Action":%q}}`, action))
}

// TelemetryTopic is the decoded form of prefix/<gatewayId>/<sensorId>/<typeCode>
type TelemetryTopic struct {
	GatewayID string
	SensorID  string
	TypeCode  string
}

// ParseTelemetryTopic splits a telemetry topic into its trailing three
// segments. The prefix may span any number of levels.
func ParseTelemetryTopic(topic string) (TelemetryTopic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return TelemetryTopic{}, fmt.Errorf("%w: telemetry topic %q has %d levels", ErrMalformed, topic, len(parts))
	}
	n := len(parts)
	t := TelemetryTopic{
		GatewayID: parts[n-3],
		SensorID:  parts[n-2],
		TypeCode:  parts[n-1],
	}
	if t.SensorID == "" || t.TypeCode == "" {
		return TelemetryTopic{}, fmt.Errorf("%w: empty sensor id or type code in %q", ErrMalformed, topic)
	}
	return t, nil
}

// TelemetryPayload is the JSON body of a measurement:
// {"data":{"temperature":21.4}}
type TelemetryPayload struct {
	Data map[string]json.RawMessage `json:"data"`
}

// DecodeMeasurement extracts the numeric value of the given measurement type.
func DecodeMeasurement(data []byte, mt MeasurementType) (float64, error) {
	var p TelemetryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw, ok := p.Data[string(mt)]
	if !ok || len(raw) == 0 {
		return 0, fmt.Errorf("%w: missing data.%s", ErrMalformed, mt)
	}
	var v *float64
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return 0, fmt.Errorf("%w: data.%s is not a number", ErrMalformed, mt)
	}
	return *v, nil
}

// EncodeMeasurement builds a telemetry payload carrying one value
func EncodeMeasurement(mt MeasurementType, value float64) []byte {
	b, _ := json.Marshal(map[string]map[string]float64{"data": {string(mt): value}})
	return b
}
