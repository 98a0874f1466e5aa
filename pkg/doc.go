// Package pkg provides shared utilities for the softudc controller driver.
//
// This package contains common functionality used across the driver core,
// the hardware abstraction layer and the simulated controller, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for the driver's error taxonomy
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentController, "device configured", "speed", speed)
//
// # Errors
//
// Transfer API errors are sentinel values tested with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrTransferTerminated) {
//	    // Link went away while the transfer was outstanding
//	}
package pkg
