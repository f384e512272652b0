package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avivais/parking-gate-remote/internal/mqtt"
)

// commandMessage is published on the cmd topic, QoS 1, not retained.
type commandMessage struct {
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
	UserID    string `json:"userId"`
	IssuedAt  int64  `json:"issuedAt"`
}

// ackMessage arrives on the ack topic, correlated by requestId.
type ackMessage struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// MQTTDevice opens the gate by publishing a command to the MCU and waiting
// for the correlated acknowledgement.
type MQTTDevice struct {
	broker   mqtt.Broker
	policy   RetryPolicy
	cmdTopic string
	ackTopic string
	pending  *pendingMap
}

func NewMQTTDevice(broker mqtt.Broker, policy RetryPolicy, cmdTopic, ackTopic string) *MQTTDevice {
	return &MQTTDevice{
		broker:   broker,
		policy:   policy,
		cmdTopic: cmdTopic,
		ackTopic: ackTopic,
		pending:  newPendingMap(),
	}
}

// Start subscribes to the ack topic. Must be called once before OpenGate.
func (d *MQTTDevice) Start() error {
	return d.broker.Subscribe(d.ackTopic, d.handleAck)
}

// HandleDisconnect rejects every in-flight wait. Wire it to the transport's
// connection-lost callback.
func (d *MQTTDevice) HandleDisconnect(err error) {
	if n := d.pending.len(); n > 0 {
		slog.Warn("failing pending gate requests on disconnect", "count", n, "error", err)
	}
	d.pending.failAll()
}

func (d *MQTTDevice) OpenGate(ctx context.Context, requestID, userID string) (CallMetadata, error) {
	meta := CallMetadata{}

	// Connection readiness is checked before the loop: an unreachable broker
	// is an immediate transport failure, not a consumed retry. Reconnection
	// belongs to the broker client (see mqtt.Broker); it redials in the
	// background and the next open finds the restored connection.
	if !d.broker.IsConnected() {
		meta.Attempted = true
		slog.Error("gate open refused, broker not connected", "request_id", requestID)
		return meta, fmt.Errorf("%w: broker not connected", ErrTransport)
	}

	err := runAttempts(ctx, d.policy, &meta, func(ctx context.Context) error {
		return d.publishAndWait(ctx, requestID, userID)
	})
	if err != nil {
		return meta, err
	}
	slog.Info("gate opened", "request_id", requestID, "user_id", userID, "retries", meta.Retries)
	return meta, nil
}

func (d *MQTTDevice) publishAndWait(ctx context.Context, requestID, userID string) error {
	cmd := commandMessage{
		RequestID: requestID,
		Command:   "open",
		UserID:    userID,
		IssuedAt:  time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: encode command: %w", ErrTransport, err)
	}

	// Register the waiter before publishing so an ack can never arrive to an
	// empty map, however fast the device answers.
	ch := d.pending.add(requestID)

	if err := d.broker.Publish(d.cmdTopic, payload); err != nil {
		d.pending.drop(requestID)
		slog.Error("command publish failed", "request_id", requestID, "topic", d.cmdTopic, "error", err)
		return fmt.Errorf("%w: publish rejected: %w", ErrTransport, err)
	}
	slog.Info("command published", "request_id", requestID, "topic", d.cmdTopic)

	timer := time.NewTimer(d.policy.Timeout)
	defer timer.Stop()

	select {
	case res, open := <-ch:
		if !open {
			return fmt.Errorf("%w: broker disconnected", ErrTransport)
		}
		if !res.ok {
			if res.errorCode != "" {
				return fmt.Errorf("%w: mcu error %s", ErrTransport, res.errorCode)
			}
			return fmt.Errorf("%w: mcu returned error", ErrTransport)
		}
		return nil
	case <-timer.C:
		if !d.pending.drop(requestID) {
			// The ack won the race while the timer fired; the buffered
			// channel already holds the result (or was closed by a
			// concurrent disconnect).
			res, open := <-ch
			if !open {
				return fmt.Errorf("%w: broker disconnected", ErrTransport)
			}
			if res.ok {
				return nil
			}
			return fmt.Errorf("%w: mcu returned error", ErrTransport)
		}
		return ErrTimeout
	case <-ctx.Done():
		d.pending.drop(requestID)
		return fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	}
}

func (d *MQTTDevice) handleAck(msg mqtt.Message) {
	var ack ackMessage
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		slog.Warn("ack payload unmarshal failed", "topic", msg.Topic(), "error", err)
		return
	}
	if ack.RequestID == "" {
		slog.Warn("ack missing request id", "topic", msg.Topic())
		return
	}
	d.pending.resolve(ack.RequestID, ackResult{ok: ack.OK, errorCode: ack.ErrorCode})
}
