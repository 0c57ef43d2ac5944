package peerlog

import "errors"

// Error kinds returned by the public operations of Store. Internal layers
// wrap the underlying cause with github.com/juju/errors (Trace/Annotatef)
// so ErrorStack can still reconstruct where the failure originated; the
// sentinels below are what callers compare against with errors.Is.
var (
	// ErrInvalidArgument is returned by PutLogData for an empty payload
	// or one that needs more than 127 chain parts. An unknown range is
	// reported as ErrUnknownRange instead, and a range id wider than 16
	// bits cannot be passed since RangeKey's halves are uint16.
	ErrInvalidArgument = errors.New("peerlog: invalid argument")

	// ErrBusy means the range is already being recovered; the caller may
	// retry.
	ErrBusy = errors.New("peerlog: range busy")

	// ErrIoFailure names a non-recoverable disk I/O failure. No layer
	// wraps disk errors in it: they reach the caller annotated with
	// juju/errors, so errors.Is(err, ErrIoFailure) does not match them.
	// The caller (the chunk component) decides whether to retry or mark
	// the peer degraded.
	ErrIoFailure = errors.New("peerlog: io failure")

	// ErrCorruption names an entry that fails its checksum, has an
	// impossible length, or has a truncated header. No operation returns
	// it: recovery records each such problem as a plain error in
	// RecoveryMetadata.Errors, skips and counts an entry whose checksum
	// fails, and stops scanning a segment at an undecodable header or a
	// truncated payload, rather than aborting the whole range.
	ErrCorruption = errors.New("peerlog: corruption detected")

	// ErrShutdown is returned by any operation submitted after Close.
	ErrShutdown = errors.New("peerlog: shut down")

	// ErrUnknownRange is returned when an operation names a range that
	// was never initialised with InitBackupRange.
	ErrUnknownRange = errors.New("peerlog: unknown backup range")
)
