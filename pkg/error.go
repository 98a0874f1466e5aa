package pkg

import (
	"context"
	"errors"
)

// Transfer and protocol errors returned by the driver.
var (
	// ErrInvalidEndpoint indicates the endpoint address has not been opened,
	// or is used in the wrong direction.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrTransferInProgress indicates a second caller tried to arm an
	// endpoint that already has a transfer outstanding.
	ErrTransferInProgress = errors.New("transfer in progress")

	// ErrTransferTimeout indicates the caller's deadline elapsed. The
	// endpoint hardware was halted before the error was returned.
	ErrTransferTimeout = errors.New("transfer timeout")

	// ErrTransferTerminated indicates a disconnect, bus reset or explicit
	// endpoint reset raced an in-flight transfer.
	ErrTransferTerminated = errors.New("transfer terminated")

	// ErrProtocolStall indicates an unsupported or malformed control request.
	// It is answered with a STALL handshake and never returned to callers of
	// the transfer API.
	ErrProtocolStall = errors.New("protocol stall")

	// ErrResourceExhausted indicates the FIFO-entry or DMA-slot pool cannot
	// hold the configured endpoints.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Lifecycle and parameter errors.
var (
	// ErrNotConfigured indicates the device is not in the configured state.
	ErrNotConfigured = errors.New("device not configured")

	// ErrNotInitialized indicates the controller has not been initialized,
	// or has already been closed.
	ErrNotInitialized = errors.New("controller not initialized")

	// ErrAlreadyInitialized indicates a second initialization attempt.
	ErrAlreadyInitialized = errors.New("controller already initialized")

	// ErrClassRegistered indicates a class or explicit descriptor set is
	// already active for this session.
	ErrClassRegistered = errors.New("class already registered")

	// ErrEndpointOpen indicates the endpoint address is already owned by a
	// control block with a different configuration.
	ErrEndpointOpen = errors.New("endpoint already open")

	// ErrMisaligned indicates a buffer does not meet DMA alignment.
	ErrMisaligned = errors.New("buffer misaligned for DMA")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidState indicates the operation is not valid in the current
	// protocol state.
	ErrInvalidState = errors.New("invalid state")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")
)

// TransferResult is the outcome a blocked caller observes when woken.
type TransferResult int

// Transfer result values.
const (
	ResultSuccess    TransferResult = iota // Transfer completed
	ResultTimeout                          // Caller deadline elapsed
	ResultTerminated                       // Disconnect or reset raced the transfer
	ResultCancelled                        // Caller context was cancelled
	ResultError                            // Hardware or parameter failure
)

// String returns a string representation of the transfer result.
func (r TransferResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultTimeout:
		return "timeout"
	case ResultTerminated:
		return "terminated"
	case ResultCancelled:
		return "cancelled"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// Err returns the sentinel error corresponding to the result.
// Cancellation has no sentinel of its own; the caller's context error is
// reported instead, so Err returns nil for it.
func (r TransferResult) Err() error {
	switch r {
	case ResultSuccess, ResultCancelled:
		return nil
	case ResultTimeout:
		return ErrTransferTimeout
	case ResultTerminated:
		return ErrTransferTerminated
	default:
		return ErrInvalidState
	}
}

// ResultOf classifies an error returned by the transfer API.
func ResultOf(err error) TransferResult {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrTransferTimeout):
		return ResultTimeout
	case errors.Is(err, ErrTransferTerminated):
		return ResultTerminated
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCancelled
	default:
		return ResultError
	}
}
