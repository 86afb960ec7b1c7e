package supervisor

import "fmt"

// State is the node lifecycle state. Startup is strictly ordered; any
// failed stage jumps straight to ShuttingDown.
type State string

const (
	StateInit               State = "INIT"
	StateBusReset           State = "BUS_RESET"
	StateWorkersStarting    State = "WORKERS_STARTING"
	StateAggregatorStarting State = "AGGREGATOR_STARTING"
	StateMonitorStarting    State = "MONITOR_STARTING"
	StateIngressStarting    State = "INGRESS_STARTING"
	StateRunning            State = "RUNNING"
	StateShuttingDown       State = "SHUTTING_DOWN"
	StateStopped            State = "STOPPED"
)

var allowedTransitions = map[State][]State{
	StateInit:               {StateBusReset, StateShuttingDown},
	StateBusReset:           {StateWorkersStarting, StateShuttingDown},
	StateWorkersStarting:    {StateAggregatorStarting, StateShuttingDown},
	StateAggregatorStarting: {StateMonitorStarting, StateShuttingDown},
	StateMonitorStarting:    {StateIngressStarting, StateShuttingDown},
	StateIngressStarting:    {StateRunning, StateShuttingDown},
	StateRunning:            {StateShuttingDown},
	StateShuttingDown:       {StateStopped},
	StateStopped:            {},
}

func ValidateTransition(from, to State) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("invalid state: %q", from)
	}
	for _, s := range next {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition: %s -> %s", from, to)
}
