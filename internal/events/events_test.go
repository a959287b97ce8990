package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetlink/fleet-gateway/internal/models"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu         sync.Mutex
	published  []published
	subscribed map[string]nats.MsgHandler
	err        error
}

func newFakeConn() *fakeConn {
	return &fakeConn{subscribed: map[string]nats.MsgHandler{}}
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, published{subject: subj, data: data})
	return nil
}

func (c *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[subj] = cb
	return &nats.Subscription{Subject: subj}, nil
}

func (c *fakeConn) subscribedTo(subj string) (nats.MsgHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.subscribed[subj]
	return cb, ok
}

func TestNATSPublisher_Subjects(t *testing.T) {
	nc := newFakeConn()
	p := NewNATSPublisher(nc, "fleet")
	p.now = func() time.Time { return time.Unix(100, 0).UTC() }

	p.Emit(context.Background(), &models.Event{Type: models.EventTypeTelemetry, DeviceID: "V-1"})
	p.Emit(context.Background(), &models.Event{Type: models.EventTypeMissionState, DeviceID: "V-1", MissionID: "M-1"})

	if len(nc.published) != 2 {
		t.Fatalf("published %d events", len(nc.published))
	}
	if nc.published[0].subject != "fleet.device.V-1.telemetry" {
		t.Errorf("subject = %q", nc.published[0].subject)
	}
	if nc.published[1].subject != "fleet.mission.M-1.state" {
		t.Errorf("subject = %q", nc.published[1].subject)
	}

	var event models.Event
	if err := json.Unmarshal(nc.published[0].data, &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.Level != models.EventLevelInfo || !event.Time.Equal(time.Unix(100, 0)) {
		t.Errorf("event = %+v", event)
	}
}

func TestNATSPublisher_ErrorsAreSwallowed(t *testing.T) {
	nc := newFakeConn()
	nc.err = errors.New("nats: connection closed")

	// Must not panic or block
	NewNATSPublisher(nc, "fleet").Emit(context.Background(), &models.Event{Type: models.EventTypeHealth, DeviceID: "V-1"})
}

type recordingCommands struct {
	deviceID string
	payload  any
	err      error
}

func (r *recordingCommands) SendCommand(ctx context.Context, deviceID string, payload any) error {
	r.deviceID = deviceID
	r.payload = payload
	return r.err
}

type recordingMissions struct {
	cancelled []string
	err       error
}

func (r *recordingMissions) Cancel(ctx context.Context, missionID string) (*models.Mission, error) {
	r.cancelled = append(r.cancelled, missionID)
	if r.err != nil {
		return nil, r.err
	}
	return &models.Mission{MissionID: missionID, State: models.MissionStateCancelled}, nil
}

func decodeReply(t *testing.T, data []byte) Reply {
	t.Helper()
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	return reply
}

func TestBridge_Command(t *testing.T) {
	nc := newFakeConn()
	commands := &recordingCommands{}
	b := NewBridge(nc, "fleet", commands, &recordingMissions{})

	b.handleCommand(&nats.Msg{Subject: "fleet.device.V-1.command", Reply: "_INBOX.1", Data: []byte(`{"action":"stop"}`)})

	if commands.deviceID != "V-1" {
		t.Errorf("device = %q", commands.deviceID)
	}
	raw, ok := commands.payload.(json.RawMessage)
	if !ok || string(raw) != `{"action":"stop"}` {
		t.Errorf("payload = %#v", commands.payload)
	}
	if len(nc.published) != 1 || nc.published[0].subject != "_INBOX.1" {
		t.Fatalf("replies = %+v", nc.published)
	}
	if reply := decodeReply(t, nc.published[0].data); !reply.OK {
		t.Errorf("reply = %+v", reply)
	}
}

func TestBridge_CommandFailures(t *testing.T) {
	nc := newFakeConn()
	commands := &recordingCommands{err: errors.New("publish failed")}
	b := NewBridge(nc, "fleet", commands, &recordingMissions{})

	b.handleCommand(&nats.Msg{Subject: "fleet.device.V-1.command", Reply: "r1", Data: []byte(`{}`)})
	b.handleCommand(&nats.Msg{Subject: "fleet.device.V-1.command", Reply: "r2", Data: []byte(`nope`)})
	b.handleCommand(&nats.Msg{Subject: "other.device.V-1.command", Reply: "r3", Data: []byte(`{}`)})
	b.handleCommand(&nats.Msg{Subject: "fleet.device.V-1.command", Data: []byte(`{}`)})

	if len(nc.published) != 3 {
		t.Fatalf("replies = %d, want 3 (no reply subject on the last)", len(nc.published))
	}
	for _, p := range nc.published {
		if reply := decodeReply(t, p.data); reply.OK || reply.Error == "" {
			t.Errorf("%s: reply = %+v", p.subject, reply)
		}
	}
}

func TestBridge_CommandRejectsInvalidDeviceID(t *testing.T) {
	nc := newFakeConn()
	commands := &recordingCommands{}
	b := NewBridge(nc, "fleet", commands, &recordingMissions{})

	for i, subject := range []string{"fleet.device.a/b.command", "fleet.device.v+.command", "fleet.device.V 1.command"} {
		b.handleCommand(&nats.Msg{Subject: subject, Reply: "r", Data: []byte(`{}`)})
		if commands.deviceID != "" {
			t.Fatalf("%s: command forwarded to %q", subject, commands.deviceID)
		}
		if reply := decodeReply(t, nc.published[i].data); reply.OK || reply.Error == "" {
			t.Errorf("%s: reply = %+v", subject, reply)
		}
	}
}

func TestNATSPublisher_SkipsIDsThatAreNotTokens(t *testing.T) {
	nc := newFakeConn()
	p := NewNATSPublisher(nc, "fleet")

	p.Emit(context.Background(), &models.Event{Type: models.EventTypeTelemetry, DeviceID: "a.b"})
	p.Emit(context.Background(), &models.Event{Type: models.EventTypeHealth, DeviceID: "v>"})
	p.Emit(context.Background(), &models.Event{Type: models.EventTypeMissionState, DeviceID: "V-1", MissionID: "M.*"})

	if len(nc.published) != 0 {
		t.Fatalf("published %+v", nc.published)
	}
}

func TestBridge_Cancel(t *testing.T) {
	nc := newFakeConn()
	missions := &recordingMissions{}
	b := NewBridge(nc, "fleet", &recordingCommands{}, missions)

	b.handleCancel(&nats.Msg{Subject: "fleet.mission.MISSION-1.cancel", Reply: "r"})

	if len(missions.cancelled) != 1 || missions.cancelled[0] != "MISSION-1" {
		t.Fatalf("cancelled = %v", missions.cancelled)
	}
	if reply := decodeReply(t, nc.published[0].data); !reply.OK {
		t.Errorf("reply = %+v", reply)
	}
}

func TestBridge_StartSubscribes(t *testing.T) {
	nc := newFakeConn()
	b := NewBridge(nc, "fleet", &recordingCommands{}, &recordingMissions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()

	deadline := time.After(time.Second)
	for {
		if _, ok := nc.subscribedTo("fleet.mission.*.cancel"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("bridge did not subscribe")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, ok := nc.subscribedTo("fleet.device.*.command"); !ok {
		t.Error("command subject not subscribed")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start returned %v", err)
	}
}
