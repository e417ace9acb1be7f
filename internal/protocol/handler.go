package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/brainlytree/canopy/internal/chunkstore"
	"github.com/brainlytree/canopy/internal/hierarchy"
	"github.com/brainlytree/canopy/internal/objectstore"
	"github.com/brainlytree/canopy/internal/schedule"
	"github.com/brainlytree/canopy/internal/scoring"
	"github.com/brainlytree/canopy/internal/session"
	"github.com/brainlytree/canopy/internal/store"
	"github.com/brainlytree/canopy/pkg/metrics"
	"github.com/brainlytree/canopy/pkg/mqtt"
)

// handleTimeout bounds the state mutations for one inbound message.
const handleTimeout = 30 * time.Second

// Registry is the slice of the persistent store the handler needs.
// *store.Store satisfies it; tests substitute a fake.
type Registry interface {
	TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) (*store.Device, error)
	DeviceByID(ctx context.Context, deviceID string) (*store.Device, error)
	UpdateDeviceWake(ctx context.Context, deviceID string, lastWake, nextWake time.Time) error

	CreateWakePayload(ctx context.Context, payload *store.WakePayload) error
	PendingPayloadForDevice(ctx context.Context, deviceID string) (*store.WakePayload, error)
	UpdatePayloadTelemetry(ctx context.Context, payloadID uint, capturedAt *time.Time, temperature, humidity, pressure, gasResistance float64, errorFlag int) error
	FinishWakePayload(ctx context.Context, payloadID uint, status store.PayloadStatus, transferID *uint) (bool, error)

	GetOrCreateTransfer(ctx context.Context, transfer *store.ImageTransfer) (*store.ImageTransfer, bool, error)
	TransferByKey(ctx context.Context, deviceID, imageName string) (*store.ImageTransfer, error)
	ResumeTransfer(ctx context.Context, transferID uint, imageSize int64, chunkSize, totalChunks int, capturedAt *time.Time) error
	IncrementReceivedChunks(ctx context.Context, transferID uint) (bool, error)
	TransitionTransfer(ctx context.Context, transferID uint, from, to store.TransferStatus, extra map[string]interface{}) (bool, error)
}

var _ Registry = (*store.Store)(nil)

// CommandLink is the dispatcher surface the handler drives: flushing a
// device's queue while it is awake and booking command receipts.
type CommandLink interface {
	FlushDevice(ctx context.Context, deviceID string) (int, error)
	HandleAck(ctx context.Context, commandID string) error
}

// Handler drives the fixed per-wake message sequence. One handler serves
// all devices; per-device state lives in the store and chunk buffer, so
// concurrent device streams never contend on handler state.
type Handler struct {
	logger    *slog.Logger
	registry  Registry
	chunks    chunkstore.Store
	objects   objectstore.Store
	resolver  hierarchy.Resolver
	sessions  *session.Coordinator
	scheduler *schedule.Scheduler
	scoring   *scoring.Publisher
	client    mqtt.ClientInterface
	commands  CommandLink
	metrics   *metrics.ProtocolMetrics
	now       func() time.Time
}

// Config holds the configuration for the Handler.
type Config struct {
	Logger    *slog.Logger
	Registry  Registry
	Chunks    chunkstore.Store
	Objects   objectstore.Store
	Resolver  hierarchy.Resolver
	Sessions  *session.Coordinator
	Scheduler *schedule.Scheduler
	Scoring   *scoring.Publisher
	Client    mqtt.ClientInterface
	Commands  CommandLink
	Metrics   *metrics.ProtocolMetrics
	// Now overrides the clock in tests.
	Now func() time.Time
}

// New creates a Handler.
func New(cfg *Config) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("protocol config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if cfg.Chunks == nil {
		return nil, errors.New("chunk store cannot be nil")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store cannot be nil")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("hierarchy resolver cannot be nil")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session coordinator cannot be nil")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("mqtt client cannot be nil")
	}
	if cfg.Commands == nil {
		return nil, errors.New("command link cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Handler{
		logger:    cfg.Logger,
		registry:  cfg.Registry,
		chunks:    cfg.Chunks,
		objects:   cfg.Objects,
		resolver:  cfg.Resolver,
		sessions:  cfg.Sessions,
		scheduler: cfg.Scheduler,
		scoring:   cfg.Scoring,
		client:    cfg.Client,
		commands:  cfg.Commands,
		metrics:   cfg.Metrics,
		now:       now,
	}, nil
}

// Start subscribes the handler to all device channels.
func (h *Handler) Start() error {
	if err := h.client.Subscribe(StatusTopicFilter, h.OnStatus); err != nil {
		return err
	}
	if err := h.client.Subscribe(DataTopicFilter, h.OnData); err != nil {
		return err
	}
	if err := h.client.Subscribe(CmdAckTopicFilter, h.OnCmdAck); err != nil {
		return err
	}
	h.logger.Info("protocol handler subscribed",
		"topics", []string{StatusTopicFilter, DataTopicFilter, CmdAckTopicFilter},
	)
	return nil
}

// drop logs and counts a rejected message. No state was mutated for it.
func (h *Handler) drop(kind, reason string, attrs ...any) {
	args := append([]any{"kind", kind, "reason", reason}, attrs...)
	h.logger.Warn("message dropped", args...)
	if h.metrics != nil {
		h.metrics.MessagesDropped.WithLabelValues(kind, reason).Inc()
	}
}

func (h *Handler) received(kind string) {
	if h.metrics != nil {
		h.metrics.MessagesReceived.WithLabelValues(kind).Inc()
	}
}

// OnStatus handles a hello message: upsert the device, open today's
// session, start a wake payload, and flush any due commands.
func (h *Handler) OnStatus(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		h.drop("hello", "malformed json", "topic", topic, "error", err)
		return
	}
	if hello.DeviceID == "" {
		hello.DeviceID = DeviceFromTopic(topic)
	}
	if hello.DeviceID == "" {
		h.drop("hello", "missing device id", "topic", topic)
		return
	}
	h.received("hello")

	now := h.now()
	device, err := h.registry.TouchDevice(ctx, hello.DeviceID, now)
	if err != nil {
		h.logger.Error("failed to upsert device on hello",
			"device_id", hello.DeviceID, "error", err)
		return
	}

	payloadRecord := &store.WakePayload{
		DeviceID:   device.DeviceID,
		ReceivedAt: now,
	}

	placement, err := h.resolver.Resolve(ctx, device)
	switch {
	case errors.Is(err, hierarchy.ErrUnassigned):
		h.logger.Info("hello from unassigned device, skipping session accounting",
			"device_id", device.DeviceID)
	case err != nil:
		h.logger.Error("failed to resolve device placement",
			"device_id", device.DeviceID, "error", err)
		return
	default:
		sess, overage, err := h.sessions.Open(ctx, placement.Site.ID, placement.Location, now)
		if err != nil {
			h.logger.Error("failed to open wake session",
				"device_id", device.DeviceID, "error", err)
			return
		}
		payloadRecord.SessionID = &sess.ID
		payloadRecord.Overage = overage
	}

	if err := h.registry.CreateWakePayload(ctx, payloadRecord); err != nil {
		h.logger.Error("failed to create wake payload",
			"device_id", device.DeviceID, "error", err)
		return
	}

	flushed, err := h.commands.FlushDevice(ctx, device.DeviceID)
	if err != nil {
		h.logger.Error("failed to flush device commands",
			"device_id", device.DeviceID, "error", err)
	}

	// Nothing queued on-device and nothing pending server-side: ask for a
	// fresh capture this wake.
	if hello.PendingImages == 0 && flushed == 0 {
		h.publishCapture(ctx, device.DeviceID)
	}

	h.logger.Info("wake started",
		"device_id", device.DeviceID,
		"pending_images", hello.PendingImages,
		"commands_flushed", flushed,
		"overage", payloadRecord.Overage,
	)
}

func (h *Handler) publishCapture(ctx context.Context, deviceID string) {
	data, _ := json.Marshal(CaptureCommand{CaptureImage: true})
	if err := h.client.Publish(ctx, CmdTopic(deviceID), data); err != nil {
		h.logger.Error("failed to publish capture command",
			"device_id", deviceID, "error", err)
	}
}

// OnCmdAck books a device's receipt for a delivered command.
func (h *Handler) OnCmdAck(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var ack CmdAckMessage
	if err := json.Unmarshal(payload, &ack); err != nil {
		h.drop("cmdack", "malformed json", "topic", topic, "error", err)
		return
	}
	if ack.CommandID == "" {
		h.drop("cmdack", "missing command id", "topic", topic)
		return
	}
	h.received("cmdack")

	if err := h.commands.HandleAck(ctx, ack.CommandID); err != nil {
		h.logger.Error("failed to acknowledge command",
			"command_id", ack.CommandID, "error", err)
	}
}

// OnData routes metadata, chunk, and done messages from the shared data
// topic.
func (h *Handler) OnData(topic string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var msg DataMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.drop("data", "malformed json", "topic", topic, "error", err)
		return
	}
	if msg.DeviceID == "" {
		msg.DeviceID = DeviceFromTopic(topic)
	}
	if msg.DeviceID == "" || msg.ImageName == "" {
		h.drop("data", "missing identity", "topic", topic)
		return
	}

	switch msg.Kind() {
	case KindMetadata:
		h.received("metadata")
		h.handleMetadata(ctx, &msg)
	case KindChunk:
		h.received("chunk")
		h.handleChunk(ctx, &msg)
	case KindDone:
		h.received("done")
		h.handleDone(ctx, &msg)
	default:
		h.drop("data", "unknown message shape", "device_id", msg.DeviceID)
	}
}
