package transaction

// The transaction package implements the transaction object handed to clients of the engine. A transaction owns an
// id from the allocator (see xid), a snapshot that decides which other transactions' effects it can see (see
// snapshot), and a state which can change exactly once, from active to committed or aborted.
//
// Subpackages hold the pieces transactions are built from: `xid` allocates and compares ids, `clog` records the
// outcome of each id, `snapshot` tracks running ids and captures snapshots, `latches` serialises writers of one row
// for the span of a single write, and `txnerr` holds the errors returned to clients.
//
// ## Snapshots and isolation
//
// Under read committed every statement sees the data committed before it started: the snapshot is re-captured on
// each statement. Under repeatable read and serializable the snapshot is captured by the first statement and kept
// until the transaction ends.
//
// Writers never wait for readers and readers never wait for writers. A writer that finds the newest version of a row
// locked by another running transaction waits for that transaction to end. If it committed, a read committed writer
// re-captures its snapshot and retries against the committed version, while repeatable read and serializable fail
// with a serialization failure. Serializable adds no predicate tracking on top of repeatable read: it is snapshot
// isolation with first-committer-wins on rows.
//
// ## Ending a transaction
//
// The state moves to committing or aborting first, so a second Commit or Abort fails with
// ErrInvalidTransactionState while the first one is still running. The engine then writes the outcome to the log and
// the commit log and only after that removes the id from the running set, which is what makes its writes visible to
// new snapshots.
