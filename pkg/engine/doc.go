// Package engine holds the classified error model shared by every layer of
// the provisioner: actions, systems, the worker protocol and the role runner.
//
// # Error Classes
//
// Every error that crosses a component boundary is an *EngineError with one
// of three classes:
//
//   - Configuration: an invariant was violated while building something,
//     for example a copy action with neither src nor content. These are
//     raised synchronously, before anything is queued.
//   - Execution: an action failed while running. A nonzero command exit,
//     a checksum mismatch after a transfer or a filesystem failure.
//   - Protocol: the worker boundary broke. A malformed record, an
//     unresolved action tag or an interrupted file transfer.
//
// Codes refine the class for programmatic handling:
//
//	if engine.GetErrorCode(err) == engine.ErrCodeChecksumMismatch {
//	    // the pulled file changed while it was being copied
//	}
//
// # Wire Form
//
// Errors raised on a worker are flattened with ToWire, sent back in the
// protocol's ERROR message and rebuilt with FromWire, so the controller sees
// the class and code the worker produced.
package engine
