package syncer

import "time"

// Kind classifies a sync outcome.
type Kind int

const (
	// KindSyncing is emitted when a sync cycle begins.
	KindSyncing Kind = iota

	// KindSynced is emitted after a successful merge and commit.
	KindSynced

	// KindTransientError is emitted when a cycle fails for a reason
	// worth retrying on the next scheduled tick.
	KindTransientError

	// KindSessionExpired is emitted when the auth session is dead. The
	// sync loop stops; the user has to authorize again.
	KindSessionExpired
)

// Outcome is the per-cycle status handed to the caller's callback. It
// is produced once per sync cycle and never persisted.
type Outcome struct {
	Kind           Kind
	Time           time.Time
	RecordsUpdated int
	Err            error
}

func syncing() Outcome {
	return Outcome{Kind: KindSyncing}
}

func synced(at time.Time, updated int) Outcome {
	return Outcome{Kind: KindSynced, Time: at, RecordsUpdated: updated}
}

func transientError(err error) Outcome {
	return Outcome{Kind: KindTransientError, Err: err}
}

func sessionExpired(err error) Outcome {
	return Outcome{Kind: KindSessionExpired, Err: err}
}

// String names the outcome kind for logs and status output.
func (k Kind) String() string {
	switch k {
	case KindSyncing:
		return "syncing"
	case KindSynced:
		return "synced"
	case KindTransientError:
		return "transient_error"
	case KindSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}
