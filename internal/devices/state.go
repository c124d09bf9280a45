package devices

// State is the connection state of a device worker.
type State string

const (
	StateIdle        State = "idle"
	StateConnecting  State = "connecting"
	StatePolling     State = "polling"
	StateStreaming   State = "streaming"
	StateBackoff     State = "backoff"
	StateDeactivated State = "deactivated"
	StateStopped     State = "stopped"
)

// metricStates are exported as the one-hot device_state gauge.
var metricStates = []string{
	string(StateIdle),
	string(StateConnecting),
	string(StatePolling),
	string(StateStreaming),
	string(StateBackoff),
	string(StateDeactivated),
}
