package device

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/pkg/geoip"
	"gatekeeper/internal/pkg/parser"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

const (
	deviceKeyPrefix      = "device:"
	fingerprintKeyPrefix = "device_fp:"
)

func deviceKey(userID, deviceID string) string { return deviceKeyPrefix + userID + ":" + deviceID }
func devicePrefix(userID string) string        { return deviceKeyPrefix + userID + ":" }
func fingerprintKey(userID, fp string) string  { return fingerprintKeyPrefix + userID + ":" + fp }

// Manager tracks the devices a user logs in from. Devices are matched by
// fingerprint; an unseen fingerprint registers a new untrusted device.
type Manager struct {
	store store.Store
	audit audit.Recorder
	geo   geoip.Resolver
	locks *store.KeyMutex
}

func NewManager(s store.Store, sink audit.Recorder, geo geoip.Resolver) *Manager {
	return &Manager{store: s, audit: sink, geo: geo, locks: store.NewKeyMutex()}
}

// RegisterOrTouch resolves the fingerprint to an existing device and bumps
// its usage, or registers a new one. known reports whether the device had
// been seen before this call.
func (m *Manager) RegisterOrTouch(ctx context.Context, userID, clientIP string, attrs models.DeviceAttributes) (d *models.Device, known bool, err error) {
	fp := Fingerprint(attrs)

	unlock := m.locks.Lock(fingerprintKey(userID, fp))
	defer unlock()

	location := ""
	if m.geo != nil {
		if country, err := m.geo.Country(clientIP); err == nil {
			location = country
		}
	}

	var deviceID string
	ok, err := store.GetJSON(ctx, m.store, fingerprintKey(userID, fp), &deviceID)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().Unix()
	if ok {
		existing, err := m.get(ctx, userID, deviceID)
		if err != nil {
			return nil, false, err
		}
		existing.LastSeenAt = now
		existing.LoginCount++
		if location != "" {
			existing.LastLocation = location
		}
		if err := store.PutJSON(ctx, m.store, deviceKey(userID, deviceID), existing, 0); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	d = &models.Device{
		ID:           "dev_" + uuid.NewString(),
		UserID:       userID,
		Name:         parser.DeviceName(attrs.UserAgent),
		Type:         parser.DeviceType(attrs.UserAgent),
		Fingerprint:  fp,
		Components:   attrs,
		LastLocation: location,
		FirstSeenAt:  now,
		LastSeenAt:   now,
		LoginCount:   1,
	}
	if err := store.PutJSON(ctx, m.store, deviceKey(userID, d.ID), d, 0); err != nil {
		return nil, false, err
	}
	if err := store.PutJSON(ctx, m.store, fingerprintKey(userID, fp), d.ID, 0); err != nil {
		return nil, false, err
	}

	log.Info().Str("user_id", userID).Str("device_id", d.ID).Str("type", d.Type).Msg("new device registered")
	m.audit.Record(ctx, audit.Entry{
		UserID:   userID,
		Action:   audit.ActionDeviceRegistered,
		Metadata: map[string]interface{}{"device_id": d.ID, "name": d.Name, "location": location},
	})
	return d, false, nil
}

// MarkTrusted flags the device so future logins from it can skip the MFA
// challenge.
func (m *Manager) MarkTrusted(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	unlock := m.locks.Lock(deviceKey(userID, deviceID))
	defer unlock()

	d, err := m.get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if d.Trusted {
		return d, nil
	}
	d.Trusted = true
	if err := store.PutJSON(ctx, m.store, deviceKey(userID, deviceID), d, 0); err != nil {
		return nil, err
	}

	m.audit.Record(ctx, audit.Entry{
		UserID:   userID,
		Action:   audit.ActionDeviceTrusted,
		Metadata: map[string]interface{}{"device_id": deviceID},
	})
	return d, nil
}

// Revoke removes the device record and its fingerprint index entry.
func (m *Manager) Revoke(ctx context.Context, userID, deviceID string) error {
	unlock := m.locks.Lock(deviceKey(userID, deviceID))
	defer unlock()

	d, err := m.get(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, fingerprintKey(userID, d.Fingerprint)); err != nil {
		return err
	}
	return m.store.Delete(ctx, deviceKey(userID, deviceID))
}

// List returns all devices seen for the user.
func (m *Manager) List(ctx context.Context, userID string) ([]*models.Device, error) {
	items, err := m.store.List(ctx, devicePrefix(userID))
	if err != nil {
		return nil, err
	}
	out := make([]*models.Device, 0, len(items))
	for _, raw := range items {
		var d models.Device
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

// Get loads one device.
func (m *Manager) Get(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	return m.get(ctx, userID, deviceID)
}

func (m *Manager) get(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	var d models.Device
	ok, err := store.GetJSON(ctx, m.store, deviceKey(userID, deviceID), &d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "device %s not found", deviceID)
	}
	return &d, nil
}
