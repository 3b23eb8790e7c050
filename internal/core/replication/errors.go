package replication

import "errors"

var (
	// ErrStaleOperation marks a compare-and-swap mutation whose precondition no
	// longer holds. It is dropped without notice.
	ErrStaleOperation = errors.New("stale operation")
	// ErrAuthorityLoss means an authority request lost arbitration or a report
	// came from a connection that does not hold the entity.
	ErrAuthorityLoss = errors.New("authority lost")
	// ErrReentrantMutation is returned when a remote mutation of a ref starts
	// while another one for the same ref is still being applied.
	ErrReentrantMutation = errors.New("reentrant mutation")
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrNotReady          = errors.New("session not synchronized")
	ErrPanic             = errors.New("packet handler panicked")
)
