// Package gate authorizes every non-bootstrap device message.
package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/auth"
	"github.com/fleetlink/fleet-gateway/internal/directory"
	"github.com/fleetlink/fleet-gateway/internal/models"
)

// Rejection reasons. All of them match auth.ErrInvalidToken.
var (
	ErrMissingToken   = fmt.Errorf("%w: missing token", auth.ErrInvalidToken)
	ErrDeviceMismatch = fmt.Errorf("%w: token bound to another device", auth.ErrInvalidToken)
	ErrUnknownDevice  = fmt.Errorf("%w: unknown device", auth.ErrInvalidToken)
	ErrDecommissioned = fmt.Errorf("%w: device decommissioned", auth.ErrInvalidToken)
	ErrStaleToken     = fmt.Errorf("%w: token superseded", auth.ErrInvalidToken)
)

// TokenVerifier checks a bearer token's signature and expiry
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// Gate enforces the single-active-token policy
type Gate struct {
	dir    *directory.Directory
	tokens TokenVerifier
}

// New creates a gate
func New(dir *directory.Directory, tokens TokenVerifier) *Gate {
	return &Gate{dir: dir, tokens: tokens}
}

// Authorize admits a message for deviceID carrying token. On success the
// device is marked as seen and returned. Rejections are logged here and
// must be dropped silently by the caller.
func (g *Gate) Authorize(ctx context.Context, deviceID, topic, token string) (*models.Device, error) {
	device, err := g.check(ctx, deviceID, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			log.Warn().
				Str("device_id", deviceID).
				Str("topic", topic).
				Str("reason", err.Error()).
				Msg("Message rejected")
		}
		return nil, err
	}

	if err := g.dir.TouchSeen(ctx, deviceID, nil); err != nil {
		return nil, fmt.Errorf("touch %s: %w", deviceID, err)
	}

	return device, nil
}

func (g *Gate) check(ctx context.Context, deviceID, token string) (*models.Device, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims, err := g.tokens.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	if claims.DeviceID != deviceID {
		return nil, ErrDeviceMismatch
	}

	device, err := g.dir.FindByID(ctx, deviceID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, err
	}

	if device.Status == models.DeviceStatusDecommissioned {
		return nil, ErrDecommissioned
	}
	if device.CurrentToken != nil && *device.CurrentToken != token {
		return nil, ErrStaleToken
	}

	return device, nil
}
