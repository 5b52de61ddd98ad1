// Package walcontract states the narrow interface the checkpointer needs
// from the write-ahead log / transaction manager, which lives outside
// this storage engine as an external collaborator (spec.md §1 Non-goals,
// §8). No implementation lives here.
package walcontract

// Log is the subset of the transaction manager's log the checkpointer
// depends on: the current durable LSN, and the begin/end bracket a
// checkpoint uses to know which LSN it is consistent as of (spec.md §8
// Checkpointer, steps Begin/Write/End).
type Log interface {
	// LastLSN returns the highest LSN the log has made durable so far.
	LastLSN() uint64

	// BeginCheckpoint records that a checkpoint covering up to lsn has
	// started, so the log knows it must not recycle/truncate entries
	// older than lsn until EndCheckpoint is called.
	BeginCheckpoint(lsn uint64) error

	// EndCheckpoint records that the checkpoint covering lsn completed
	// and was made durable, releasing the log's retention hold from
	// BeginCheckpoint.
	EndCheckpoint(lsn uint64) error
}
