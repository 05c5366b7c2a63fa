package ingest

// State is the controller's position in a run.
type State int32

const (
	StateIdle State = iota
	StateCountDiscovery
	StateEnumerating
	StateFetching
	StateAggregating
	StateCommitting
	StateEmptyRun
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCountDiscovery:
		return "CountDiscovery"
	case StateEnumerating:
		return "Enumerating"
	case StateFetching:
		return "Fetching"
	case StateAggregating:
		return "Aggregating"
	case StateCommitting:
		return "Committing"
	case StateEmptyRun:
		return "EmptyRun"
	default:
		return "Unknown"
	}
}

// Mode selects the commit policy.
type Mode string

const (
	// ModeFull drops and recreates the destination before loading.
	ModeFull Mode = "full"

	// ModeIncremental appends to the existing destination.
	ModeIncremental Mode = "incremental"
)
