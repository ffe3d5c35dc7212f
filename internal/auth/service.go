package auth

import (
	"context"
	"errors"

	"github.com/relayhq/relay/internal/store"
	"github.com/relayhq/relay/pkg/models"
)

// Service authenticates connection tokens against the device registry.
// A syntactically valid token is not enough; the referenced device must
// still exist and must not be revoked.
type Service struct {
	jwt     *JWTService
	devices store.Devices
}

// NewService creates an authentication service.
func NewService(jwt *JWTService, devices store.Devices) *Service {
	return &Service{jwt: jwt, devices: devices}
}

// Enabled reports whether authentication is configured.
func (s *Service) Enabled() bool {
	return s != nil && s.jwt != nil && len(s.jwt.secret) > 0
}

// Authenticate verifies the token and returns the live device it belongs
// to. Revoked or deleted devices fail with ErrDeviceRevoked /
// ErrInvalidToken respectively.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.Device, error) {
	deviceID, err := s.jwt.Validate(token)
	if err != nil {
		return nil, err
	}

	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if device.Revoked {
		return nil, ErrDeviceRevoked
	}

	// Best effort; a failed timestamp update must not fail auth.
	_ = s.devices.TouchSeen(ctx, deviceID)

	return device, nil
}
