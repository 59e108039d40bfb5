// Package runs implements the remediation run state machine.
//
// States:
//   - QUEUED -> CLONING -> DEBUGGING -> REPORTING -> COMPLETE
//   - FAILED from any non-terminal state
//
// Create debits one run credit and inserts the QUEUED run in a single
// transaction. Advance applies one status change with compare-and-swap on the
// stored status; replaying the current status is a no-op.
//
// Auditing:
//   - Every accepted change appends a transition row and one audit event in
//     the same transaction.
//   - Rejected changes write nothing; they are logged and returned to the caller.
package runs
