package canonical

import "errors"

var (
	errNoSlots          = errors.New("document declares no self-hash slots")
	errSlotMismatch     = errors.New("self-hash slots disagree with each other")
	errSelfHashMismatch = errors.New("recomputed self-hash does not match stored value")
)
