package worker

// State is a worker's position in the actor state machine. A worker is in
// exactly one state per instant; transitions follow the table in the package
// documentation.
type State int32

const (
	// StateIdle : polling the work queue or waiting for the next epoch.
	StateIdle State = iota
	// StateWorking : a batch has been popped and is being computed.
	StateWorking
	// StateConsidering : evaluating a spawn/despawn decision.
	StateConsidering
	// StateCoordinating : the worker has live children and must not
	// process batches.
	StateCoordinating
	// StateDraining : shutdown signaled; the worker is on its way out.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWorking:
		return "working"
	case StateConsidering:
		return "considering"
	case StateCoordinating:
		return "coordinating"
	case StateDraining:
		return "draining"
	default:
		return "invalid"
	}
}
