package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/fleetlink/fleet-gateway/internal/models"
	"github.com/fleetlink/fleet-gateway/internal/storage"
	"github.com/fleetlink/fleet-gateway/pkg/crypto"
)

var (
	// ErrAlreadyRegistered is returned when registering a taken device id
	ErrAlreadyRegistered = errors.New("device already registered")
	// ErrNotFound is returned for unknown device ids
	ErrNotFound = errors.New("device not found")
	// ErrInvalidDeviceID rejects ids that cannot be a topic level or subject token
	ErrInvalidDeviceID = errors.New("invalid device id")
)

const maxStatusAttempts = 3

// Directory is the authoritative record of known devices
type Directory struct {
	store storage.Store
	locks *keyLock
	now   func() time.Time
}

// New creates a directory over store
func New(store storage.Store) *Directory {
	return &Directory{
		store: store,
		locks: newKeyLock(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Lock serializes multi-step flows (register, authenticate) for one device.
// Callers must invoke the returned function to release it.
func (d *Directory) Lock(deviceID string) func() {
	return d.locks.lock(deviceID)
}

// ValidateDeviceID checks that id is usable as a single MQTT topic level
// and a single NATS subject token.
func ValidateDeviceID(id string) error {
	if id == "" || len(id) > 128 || strings.ContainsAny(id, "/+#.*>") || strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, id)
	}
	return nil
}

// Register stores a new device with a hashed secret. The store's unique
// constraint decides concurrent attempts: exactly one wins.
func (d *Directory) Register(ctx context.Context, deviceID, secret string, profile models.DeviceProfile) (*models.Device, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}

	hash, err := crypto.HashPassword(secret)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", deviceID, err)
	}

	name := profile.Name
	if name == "" {
		name = deviceID
	}

	device := &models.Device{
		DeviceID:     deviceID,
		Name:         name,
		Model:        profile.Model,
		Manufacturer: profile.Manufacturer,
		Capabilities: profile.Capabilities,
		Metadata:     profile.Metadata,
		Status:       models.DeviceStatusRegistered,
		PasswordHash: hash,
	}

	if err := d.store.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("create device %s: %w", deviceID, err)
	}

	log.Info().Str("device_id", deviceID).Msg("Device registered")
	return device, nil
}

// FindByID returns the device or ErrNotFound
func (d *Directory) FindByID(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := d.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, translate(err)
	}
	return device, nil
}

// List returns devices, optionally filtered by status
func (d *Directory) List(ctx context.Context, status *models.DeviceStatus, limit, offset int) ([]*models.Device, int64, error) {
	return d.store.ListDevices(ctx, status, limit, offset)
}

// Count counts devices, optionally filtered by status
func (d *Directory) Count(ctx context.Context, status *models.DeviceStatus) (int64, error) {
	return d.store.CountDevices(ctx, status)
}

// SetCurrentToken makes token the only one the gate accepts for the device
// and marks the device as seen.
func (d *Directory) SetCurrentToken(ctx context.Context, deviceID, token string) error {
	now := d.now()
	if err := d.store.SetDeviceToken(ctx, deviceID, &token, &now); err != nil {
		return translate(err)
	}
	return nil
}

// ClearCurrentToken drops the current token
func (d *Directory) ClearCurrentToken(ctx context.Context, deviceID string) error {
	if err := d.store.SetDeviceToken(ctx, deviceID, nil, nil); err != nil {
		return translate(err)
	}
	return nil
}

// Decommission retires the device and drops its current token, so that
// neither a new authentication nor an outstanding token gets through.
func (d *Directory) Decommission(ctx context.Context, deviceID string) (bool, error) {
	unlock := d.Lock(deviceID)
	defer unlock()

	changed, err := d.SetStatus(ctx, deviceID, models.DeviceStatusDecommissioned)
	if err != nil {
		return false, err
	}
	if err := d.ClearCurrentToken(ctx, deviceID); err != nil {
		return changed, err
	}
	return changed, nil
}

// TouchSeen advances last seen and, when pos is set, the last known position.
// Repeating a touch leaves the record unchanged.
func (d *Directory) TouchSeen(ctx context.Context, deviceID string, pos *models.Position) error {
	if err := d.store.TouchDevice(ctx, deviceID, d.now(), pos); err != nil {
		return translate(err)
	}
	return nil
}

// SetStatus moves the device along its lifecycle. It reports whether the
// stored status changed; setting the current status again is a no-op.
func (d *Directory) SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus) (bool, error) {
	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		device, err := d.FindByID(ctx, deviceID)
		if err != nil {
			return false, err
		}

		if device.Status == status {
			return false, nil
		}
		if err := device.Status.CheckTransition(status); err != nil {
			return false, err
		}

		err = d.store.CompareAndSetDeviceStatus(ctx, deviceID, device.Status, status)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return false, translate(err)
		}

		log.Info().
			Str("device_id", deviceID).
			Str("from", string(device.Status)).
			Str("to", string(status)).
			Msg("Device status changed")
		return true, nil
	}

	return false, fmt.Errorf("set status of %s: %w", deviceID, storage.ErrConflict)
}

func translate(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
