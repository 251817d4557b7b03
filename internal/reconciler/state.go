package reconciler

// State is the synchronization mode of a Reconciler.
type State int

const (
	// Initializing means no snapshot has been loaded yet.
	Initializing State = iota
	// Synced means a snapshot is loaded and live events are applied.
	Synced
	// Degraded means a snapshot is loaded but live events are unavailable
	// for the rest of the session. Only Refresh observes new changes.
	Degraded
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "INITIALIZING"
	case Synced:
		return "SYNCED"
	case Degraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}
