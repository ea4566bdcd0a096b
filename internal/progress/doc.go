// Package progress tracks the state of a long-running task for callers that
// poll or block on it.
//
// A Handle moves from pending through running to exactly one terminal state,
// complete or error. Results can be staged with SetUncommittedComplete or
// SetUncommittedError and published later with Commit, which lets a task
// release its resource locks before pollers can observe completion.
//
// Composite aggregates several handles behind one status.
package progress
