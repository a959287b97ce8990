package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/models"
)

// CommandSender forwards a command body to a device
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID string, payload any) error
}

// MissionCanceller cancels a mission by id
type MissionCanceller interface {
	Cancel(ctx context.Context, missionID string) (*models.Mission, error)
}

// BridgeConn is the subset of *nats.Conn the bridge needs
type BridgeConn interface {
	Conn
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Reply is sent back on request/reply subjects
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Bridge lets backend services drive devices over NATS
type Bridge struct {
	nc       BridgeConn
	prefix   string
	commands CommandSender
	missions MissionCanceller
	subs     []*nats.Subscription
}

// NewBridge creates a NATS bridge
func NewBridge(nc BridgeConn, prefix string, commands CommandSender, missions MissionCanceller) *Bridge {
	return &Bridge{
		nc:       nc,
		prefix:   prefix,
		commands: commands,
		missions: missions,
		subs:     make([]*nats.Subscription, 0),
	}
}

// Start subscribes and blocks until ctx is done
func (b *Bridge) Start(ctx context.Context) error {
	// Subscribe to device commands
	sub1, err := b.nc.Subscribe(b.prefix+".device.*.command", b.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe device commands: %w", err)
	}
	b.subs = append(b.subs, sub1)

	// Subscribe to mission cancellations
	sub2, err := b.nc.Subscribe(b.prefix+".mission.*.cancel", b.handleCancel)
	if err != nil {
		sub1.Unsubscribe()
		return fmt.Errorf("subscribe mission cancellations: %w", err)
	}
	b.subs = append(b.subs, sub2)

	log.Info().
		Int("subscriptions", len(b.subs)).
		Msg("NATS bridge started")

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}

	return ctx.Err()
}

// handleCommand forwards the message body to the device named in the subject
func (b *Bridge) handleCommand(msg *nats.Msg) {
	deviceID := b.subjectID(msg.Subject, "device", "command")
	if deviceID == "" {
		b.respond(msg, fmt.Errorf("malformed subject %q", msg.Subject))
		return
	}
	if err := directory.ValidateDeviceID(deviceID); err != nil {
		log.Warn().Str("subject", msg.Subject).Msg("Dropping command for invalid device id")
		b.respond(msg, err)
		return
	}

	if !json.Valid(msg.Data) {
		log.Warn().Str("subject", msg.Subject).Msg("Dropping non-JSON command")
		b.respond(msg, fmt.Errorf("command body is not JSON"))
		return
	}

	err := b.commands.SendCommand(context.Background(), deviceID, json.RawMessage(msg.Data))
	if err != nil {
		log.Error().Err(err).Str("device_id", deviceID).Msg("Failed to forward command")
	}
	b.respond(msg, err)
}

// handleCancel cancels the mission named in the subject
func (b *Bridge) handleCancel(msg *nats.Msg) {
	missionID := b.subjectID(msg.Subject, "mission", "cancel")
	if missionID == "" {
		b.respond(msg, fmt.Errorf("malformed subject %q", msg.Subject))
		return
	}

	_, err := b.missions.Cancel(context.Background(), missionID)
	if err != nil {
		log.Warn().Err(err).Str("mission_id", missionID).Msg("Mission cancel via NATS failed")
	}
	b.respond(msg, err)
}

// subjectID extracts {id} from {prefix}.{kind}.{id}.{action}
func (b *Bridge) subjectID(subject, kind, action string) string {
	rest, ok := strings.CutPrefix(subject, b.prefix+"."+kind+".")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, "."+action)
	if !ok || id == "" || strings.Contains(id, ".") {
		return ""
	}
	return id
}

func (b *Bridge) respond(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}

	reply := Reply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}

	data, _ := json.Marshal(reply)
	if err := b.nc.Publish(msg.Reply, data); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to reply")
	}
}
