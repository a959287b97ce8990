package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fleetlink/fleet-gateway/internal/models"
	"github.com/fleetlink/fleet-gateway/internal/session"
	"github.com/fleetlink/fleet-gateway/internal/topic"
)

type publishCall struct {
	topic   string
	payload []byte
	qos     byte
}

type recordingPublisher struct {
	calls []publishCall
	err   error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, publishCall{topic: topic, payload: payload, qos: qos})
	return nil
}

func TestDispatcher_SendToken(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub, topic.NewLayout("device"), 0)

	issued := time.UnixMilli(1700000000123)
	if err := d.SendToken(context.Background(), "V-1", "T1", issued); err != nil {
		t.Fatalf("SendToken: %v", err)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("calls = %d", len(pub.calls))
	}
	call := pub.calls[0]
	if call.topic != "device/V-1/auth/token" {
		t.Errorf("topic = %q", call.topic)
	}
	if call.qos != 1 {
		t.Errorf("qos = %d, want at least once", call.qos)
	}

	var msg models.TokenMessage
	if err := json.Unmarshal(call.payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Token != "T1" || msg.Timestamp != 1700000000123 || msg.IssuedAt != msg.Timestamp {
		t.Errorf("message = %+v", msg)
	}
}

func TestDispatcher_SendCommand(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub, topic.NewLayout("device"), 2)

	mission := &models.Mission{MissionID: "M-1", Name: "patrol", Type: models.MissionTypePatrol}
	if err := d.SendCommand(context.Background(), "V-1", mission.Command()); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if err := d.SendCommand(context.Background(), "V-1", json.RawMessage(`{"action":"stop"}`)); err != nil {
		t.Fatalf("SendCommand raw: %v", err)
	}

	if pub.calls[0].topic != "device/V-1/mission/command" || pub.calls[0].qos != 2 {
		t.Errorf("call = %+v", pub.calls[0])
	}
	var cmd models.MissionCommand
	if err := json.Unmarshal(pub.calls[0].payload, &cmd); err != nil || cmd.MissionID != "M-1" {
		t.Errorf("command = %+v (%v)", cmd, err)
	}
	if string(pub.calls[1].payload) != `{"action":"stop"}` {
		t.Errorf("raw payload rewritten: %s", pub.calls[1].payload)
	}

	if err := d.SendCommand(context.Background(), "V-1", json.RawMessage(`{`)); err == nil {
		t.Error("invalid raw JSON must not be published")
	}
}

func TestDispatcher_SendCancel(t *testing.T) {
	pub := &recordingPublisher{}
	d := New(pub, topic.NewLayout("device"), 1)
	d.now = func() time.Time { return time.UnixMilli(42) }

	if err := d.SendCancel(context.Background(), "V-1", "M-1"); err != nil {
		t.Fatalf("SendCancel: %v", err)
	}
	if pub.calls[0].topic != "device/V-1/mission/cancel" {
		t.Errorf("topic = %q", pub.calls[0].topic)
	}
	if string(pub.calls[0].payload) != `{"missionId":"M-1","timestamp":42}` {
		t.Errorf("payload = %s", pub.calls[0].payload)
	}
}

func TestDispatcher_PropagatesPublishError(t *testing.T) {
	pubErr := &session.PublishError{Topic: "device/V-1/auth/token", Err: session.ErrNotConnected}
	d := New(&recordingPublisher{err: pubErr}, topic.NewLayout("device"), 1)

	err := d.SendToken(context.Background(), "V-1", "T1", time.Now())
	var got *session.PublishError
	if !errors.As(err, &got) {
		t.Fatalf("got %v, want PublishError", err)
	}
}
