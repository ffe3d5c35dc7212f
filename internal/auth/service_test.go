package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relayhq/relay/internal/store"
	"github.com/relayhq/relay/pkg/models"
)

func newTestService(t *testing.T) (*Service, *models.Device, string) {
	t.Helper()
	st := store.NewMemoryStore()
	device := &models.Device{Name: "laptop"}
	if err := st.Devices().Save(context.Background(), device); err != nil {
		t.Fatal(err)
	}

	jwtSvc := NewJWTService("test-secret", time.Hour)
	token, err := jwtSvc.Generate(device.ID, device.Name)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return NewService(jwtSvc, st.Devices()), device, token
}

func TestAuthenticate_ValidToken(t *testing.T) {
	svc, device, token := newTestService(t)

	got, err := svc.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != device.ID {
		t.Errorf("device id = %q, want %q", got.ID, device.ID)
	}
}

func TestAuthenticate_GarbageToken(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.Authenticate(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	svc, device, _ := newTestService(t)

	other := NewJWTService("different-secret", time.Hour)
	forged, err := other.Generate(device.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate(context.Background(), forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	st := store.NewMemoryStore()
	device := &models.Device{Name: "laptop"}
	if err := st.Devices().Save(context.Background(), device); err != nil {
		t.Fatal(err)
	}

	jwtSvc := NewJWTService("test-secret", -time.Hour)
	token, err := jwtSvc.Generate(device.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	svc := NewService(jwtSvc, st.Devices())
	if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticate_RevokedDevice(t *testing.T) {
	svc, device, token := newTestService(t)

	device.Revoked = true
	if err := svc.devices.Save(context.Background(), device); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("err = %v, want ErrDeviceRevoked", err)
	}
}

func TestAuthenticate_DeletedDevice(t *testing.T) {
	st := store.NewMemoryStore()
	jwtSvc := NewJWTService("test-secret", time.Hour)
	token, err := jwtSvc.Generate("ghost-device", "")
	if err != nil {
		t.Fatal(err)
	}

	svc := NewService(jwtSvc, st.Devices())
	if _, err := svc.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestEnabled(t *testing.T) {
	if (&Service{}).Enabled() {
		t.Error("service without jwt should be disabled")
	}
	svc, _, _ := newTestService(t)
	if !svc.Enabled() {
		t.Error("configured service should be enabled")
	}
	disabled := NewService(NewJWTService("", time.Hour), store.NewMemoryStore().Devices())
	if disabled.Enabled() {
		t.Error("empty secret should disable auth")
	}
}
