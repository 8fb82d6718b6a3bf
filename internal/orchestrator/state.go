package orchestrator

// State is a step of one bootstrap attempt.
type State string

// Bootstrap states. Failed is reachable from every state except Running.
const (
	StateIdle              State = "idle"
	StateAssistantStarting State = "assistant_starting"
	StateAssistantReady    State = "assistant_ready"
	StateGatewayStarting   State = "gateway_starting"
	StateRunning           State = "running"
	StateFailed            State = "failed"
)

//nolint:gochecknoglobals // Read-only transition table.
var transitions = map[State][]State{
	StateIdle:              {StateAssistantStarting},
	StateAssistantStarting: {StateAssistantReady, StateFailed},
	StateAssistantReady:    {StateGatewayStarting, StateFailed},
	StateGatewayStarting:   {StateRunning, StateFailed},
}

// CanTransition reports whether to may follow from.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}
