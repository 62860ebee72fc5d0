package replica

import "errors"

var (
	// ErrNotLeader rejects a proposal sent to a replica that is not the
	// shard leader. The caller must retry against the current leader.
	ErrNotLeader = errors.New("replica: not the shard leader")

	// ErrProposalQueueFull rejects a proposal when the bounded queue is
	// full. Backpressure, not blocking.
	ErrProposalQueueFull = errors.New("replica: proposal queue is full")

	// ErrStopped is returned for operations against a stopped replica.
	ErrStopped = errors.New("replica: stopped")
)
