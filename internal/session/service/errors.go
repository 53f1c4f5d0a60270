package service

import (
	"errors"
	"fmt"
)

// Sentinel errors; the handler maps them to boundary kinds. Replay, expiry and unknown
// tokens all wrap ErrUnauthenticated so callers see one uniform failure.
var (
	ErrValidation      = errors.New("malformed refresh token")
	ErrUnauthenticated = errors.New("session invalid, please sign in again")
	ErrForbidden       = errors.New("account disabled")
	ErrInfrastructure  = errors.New("session store unavailable")

	ErrReplayDetected = fmt.Errorf("%w: refresh token replay detected", ErrUnauthenticated)
	ErrSessionExpired = fmt.Errorf("%w: refresh token expired", ErrUnauthenticated)
	ErrSessionUnknown = fmt.Errorf("%w: unknown refresh token", ErrUnauthenticated)
)

// infra marks a store failure as retryable. The cause stays in the chain for logging.
func infra(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}
