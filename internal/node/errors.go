package node

import (
	"errors"
	"fmt"

	"overlaynode/internal/peer"
)

var (
	ErrInit             = errors.New("init error")
	ErrLifecycle        = errors.New("lifecycle error")
	ErrNotConnected     = errors.New("not connected")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrPendingQueueFull is returned by Send when too many payloads wait
	// for a path to the same recipient.
	ErrPendingQueueFull = peer.ErrPendingQueueFull
)

func lifecycleErr(op string, st State) error {
	return fmt.Errorf("%w: %s not allowed in state %s", ErrLifecycle, op, st)
}
