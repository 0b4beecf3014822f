package geo

import (
	"context"
	"errors"

	"github.com/fieldside/dispatch/internal/models"
)

// Permission is the tri-state of the OS location permission.
type Permission string

const (
	PermissionGranted      Permission = "granted"
	PermissionDenied       Permission = "denied"
	PermissionUndetermined Permission = "undetermined"
)

var (
	// ErrPermissionDenied means the worker refused the location permission.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrCapabilityDisabled means location services are off at the device level.
	ErrCapabilityDisabled = errors.New("location capability disabled")
)

// Source yields position fixes and exposes the permission and capability
// checks the presence client gates on. Implementations sit on top of the
// host platform's location services.
type Source interface {
	PermissionState(ctx context.Context) (Permission, error)
	RequestPermission(ctx context.Context) (Permission, error)
	CapabilityEnabled(ctx context.Context) (bool, error)
	// CurrentFix acquires one fix. It fails with ErrPermissionDenied or
	// ErrCapabilityDisabled when the respective precondition no longer holds.
	CurrentFix(ctx context.Context) (*models.PositionFix, error)
}
