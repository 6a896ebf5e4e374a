package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrFleetDisabled = errors.New("fleet manager is not enabled")
	ErrChainUnknown  = errors.New("chain is not defined")
)
