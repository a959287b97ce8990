// Package enrollment implements device registration and authentication:
// the two flows that hand a device its bearer token.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/auth"
	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/events"
	"github.com/fleetlink/fleet-gateway/internal/models"
	"github.com/fleetlink/fleet-gateway/pkg/crypto"
)

// ErrInvalidCredentials is returned for an unknown device, a wrong secret
// or a decommissioned device. The cases are deliberately indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenSender delivers an issued token to the device
type TokenSender interface {
	SendToken(ctx context.Context, deviceID, token string, issuedAt time.Time) error
}

// Result is the outcome of a successful registration or authentication
type Result struct {
	Device    *models.Device `json:"vehicle"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

// Enroller issues device tokens
type Enroller struct {
	dir    *directory.Directory
	tokens *auth.JWTManager
	sender TokenSender
	events events.Emitter
}

// New creates an enroller
func New(dir *directory.Directory, tokens *auth.JWTManager, sender TokenSender, emitter events.Emitter) *Enroller {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Enroller{
		dir:    dir,
		tokens: tokens,
		sender: sender,
		events: emitter,
	}
}

// Register stores a new device, makes a fresh token its current token and
// sends it to the device. When only the delivery fails the result is
// returned together with the publish error.
func (e *Enroller) Register(ctx context.Context, deviceID, secret string, profile models.DeviceProfile) (*Result, error) {
	unlock := e.dir.Lock(deviceID)
	defer unlock()

	device, err := e.dir.Register(ctx, deviceID, secret, profile)
	if err != nil {
		return nil, err
	}

	res, err := e.issue(ctx, device)
	if res == nil {
		return nil, err
	}

	e.events.Emit(ctx, &models.Event{
		Type:     models.EventTypeRegistered,
		Level:    models.EventLevelInfo,
		DeviceID: deviceID,
		Details:  models.Variables{"model": device.Model, "manufacturer": device.Manufacturer},
	})

	return res, err
}

// Authenticate checks the secret and replaces the device's current token.
// A registered device becomes active on its first authentication.
func (e *Enroller) Authenticate(ctx context.Context, deviceID, secret string) (*Result, error) {
	unlock := e.dir.Lock(deviceID)
	defer unlock()

	device, err := e.dir.FindByID(ctx, deviceID)
	if errors.Is(err, directory.ErrNotFound) {
		log.Warn().Str("device_id", deviceID).Msg("Authentication for unknown device")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if device.Status == models.DeviceStatusDecommissioned {
		log.Warn().Str("device_id", deviceID).Msg("Authentication for decommissioned device")
		return nil, ErrInvalidCredentials
	}

	if !crypto.VerifyPassword(secret, device.PasswordHash) {
		log.Warn().Str("device_id", deviceID).Msg("Authentication with wrong secret")
		return nil, ErrInvalidCredentials
	}

	if device.Status == models.DeviceStatusRegistered {
		changed, err := e.dir.SetStatus(ctx, deviceID, models.DeviceStatusActive)
		if err != nil {
			return nil, fmt.Errorf("activate %s: %w", deviceID, err)
		}
		if changed {
			device.Status = models.DeviceStatusActive
			e.emitStatus(ctx, deviceID, models.DeviceStatusRegistered, models.DeviceStatusActive)
		}
	}

	res, err := e.issue(ctx, device)
	if res == nil {
		return nil, err
	}

	e.events.Emit(ctx, &models.Event{
		Type:     models.EventTypeAuthenticated,
		Level:    models.EventLevelInfo,
		DeviceID: deviceID,
	})

	return res, err
}

// issue runs under the device lock: sign, store as current, deliver
func (e *Enroller) issue(ctx context.Context, device *models.Device) (*Result, error) {
	token, claims, err := e.tokens.IssueToken(device.DeviceID, 0)
	if err != nil {
		return nil, fmt.Errorf("issue token for %s: %w", device.DeviceID, err)
	}

	if err := e.dir.SetCurrentToken(ctx, device.DeviceID, token); err != nil {
		return nil, fmt.Errorf("store token for %s: %w", device.DeviceID, err)
	}

	issuedAt := claims.IssuedAt.Time
	device.CurrentToken = &token
	device.LastSeenAt = &issuedAt

	res := &Result{
		Device:    device,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}

	if err := e.sender.SendToken(ctx, device.DeviceID, token, issuedAt); err != nil {
		log.Error().Err(err).Str("device_id", device.DeviceID).Msg("Token issued but not delivered")
		return res, err
	}

	log.Info().Str("device_id", device.DeviceID).Msg("Token issued")
	return res, nil
}

func (e *Enroller) emitStatus(ctx context.Context, deviceID string, from, to models.DeviceStatus) {
	e.events.Emit(ctx, &models.Event{
		Type:     models.EventTypeStatus,
		Level:    models.EventLevelInfo,
		DeviceID: deviceID,
		Details:  models.Variables{"from": string(from), "to": string(to)},
	})
}
