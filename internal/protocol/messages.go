// Package protocol implements the per-wake message sequence between
// camera devices and the server: hello, capture, metadata, chunks,
// acknowledgment, and sleep scheduling.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topic filters the server subscribes to. One channel per device per
// message kind; metadata, chunks, and the done marker share the data
// topic and are told apart by their fields, matching device firmware.
const (
	StatusTopicFilter = "device/+/status"
	DataTopicFilter   = "ESP32CAM/+/data"
	CmdAckTopicFilter = "device/+/cmdack"
)

// CmdTopic is the inbound command channel of one device.
func CmdTopic(deviceID string) string {
	return fmt.Sprintf("device/%s/cmd", deviceID)
}

// AckTopic is the acknowledgment channel of one device.
func AckTopic(deviceID string) string {
	return fmt.Sprintf("device/%s/ack", deviceID)
}

// DeviceFromTopic extracts the device segment from a 3-level topic like
// device/B8F862F9CFB8/status or ESP32CAM/B8F862F9CFB8/data.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

// HelloMessage is the device's aliveness announcement at wake start.
type HelloMessage struct {
	DeviceID      string `json:"device_id"`
	Status        string `json:"status"`
	PendingImages int    `json:"pendingImg"`
}

// DataMessage carries metadata, a chunk, or the end-of-stream marker on
// the shared data topic.
type DataMessage struct {
	DeviceID string `json:"device_id"`

	ImageName string `json:"image_name"`

	// Metadata fields.
	CaptureTimestamp string  `json:"capture_timestamp,omitempty"`
	ImageSize        int64   `json:"image_size,omitempty"`
	MaxChunkSize     int     `json:"max_chunk_size,omitempty"`
	TotalChunks      *int    `json:"total_chunks_count,omitempty"`
	Location         string  `json:"location,omitempty"`
	ErrorFlag        int     `json:"error,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	Humidity         float64 `json:"humidity,omitempty"`
	Pressure         float64 `json:"pressure,omitempty"`
	GasResistance    float64 `json:"gas_resistance,omitempty"`

	// Chunk fields. Payload is base64 on the wire.
	ChunkID *int   `json:"chunk_id,omitempty"`
	Payload []byte `json:"payload,omitempty"`

	// Done-marker field: set when the device believes it has sent
	// everything and wants either missing chunks or the final ack.
	ChunksSent *int `json:"chunks_sent,omitempty"`
}

// MessageKind classifies a DataMessage.
type MessageKind string

// Data message kinds.
const (
	KindMetadata MessageKind = "metadata"
	KindChunk    MessageKind = "chunk"
	KindDone     MessageKind = "done"
	KindUnknown  MessageKind = "unknown"
)

// Kind classifies the message by which fields are present, the same way
// the firmware distinguishes them.
func (m *DataMessage) Kind() MessageKind {
	switch {
	case m.ChunkID != nil:
		return KindChunk
	case m.TotalChunks != nil:
		return KindMetadata
	case m.ChunksSent != nil:
		return KindDone
	default:
		return KindUnknown
	}
}

// CapturedAt parses the metadata capture timestamp. Returns nil when the
// field is absent or malformed; a bad timestamp does not reject the
// message, the receive time stands in.
func (m *DataMessage) CapturedAt() *time.Time {
	if m.CaptureTimestamp == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, m.CaptureTimestamp); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// AckOK is the success payload of an acknowledgment: the single place a
// device learns when to wake next.
type AckOK struct {
	NextWakeTime string `json:"next_wake_time"`
}

// AckMessage is the server's reply on the ack channel: either the final
// acknowledgment with the next wake instant, or the sorted list of chunk
// indices the device must resend.
type AckMessage struct {
	ImageName     string `json:"image_name"`
	MissingChunks []int  `json:"missing_chunks,omitempty"`
	OK            *AckOK `json:"ACK_OK,omitempty"`
}

// CmdAckMessage is a device's receipt for a delivered command.
type CmdAckMessage struct {
	DeviceID  string `json:"device_id"`
	CommandID string `json:"command_id"`
}

// CaptureCommand instructs the device to take and send a fresh photo.
type CaptureCommand struct {
	CaptureImage bool   `json:"capture_image"`
	CommandID    string `json:"command_id,omitempty"`
}

// SendImageCommand instructs the device to (re)send one named image.
type SendImageCommand struct {
	SendImage string `json:"send_image"`
	CommandID string `json:"command_id,omitempty"`
}

// ScheduleCommand pushes an absolute next-wake instant to a device.
// Never a raw frequency spec: firmware only understands timestamps.
type ScheduleCommand struct {
	NextWake  string `json:"next_wake"`
	CommandID string `json:"command_id,omitempty"`
}

func marshalAck(ack *AckMessage) []byte {
	data, _ := json.Marshal(ack)
	return data
}
