// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// StopWait is the maximum time a Session waits for a running query to
	// terminate after a stop request before logging a timeout.
	StopWait = 5 * time.Second

	// ProcessingLockAutoRelease guards against a stuck processing flag when a
	// status callback leaks and never returns.
	ProcessingLockAutoRelease = 60 * time.Second

	// ShutdownContextTimeout bounds the restart-context markdown write.
	ShutdownContextTimeout = 3 * time.Second

	// OutboundDrainSleep lets queued outbound messages flush before exit.
	OutboundDrainSleep = 1 * time.Second
)
