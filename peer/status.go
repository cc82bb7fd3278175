package peer

// Status is the availability reported to the Handler.
type Status uint8

const (
	// StatusUnknown is reported while the first connect is in progress.
	StatusUnknown Status = iota
	// StatusOnline means the peer channel is open.
	StatusOnline
	// StatusOffline means the peer is unreachable or misconfigured.
	StatusOffline
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusOnline:
		return "ONLINE"
	case StatusOffline:
		return "OFFLINE"
	default:
		return "INVALID"
	}
}

// Detail qualifies an offline status.
type Detail uint8

const (
	// DetailNone accompanies online and unknown statuses.
	DetailNone Detail = iota
	// DetailConfigurationError means no connection will be attempted until the
	// lifecycle is initialized with a valid configuration.
	DetailConfigurationError
	// DetailCommunicationError means a reconnect is scheduled.
	DetailCommunicationError
)

// String returns a human-readable detail name.
func (d Detail) String() string {
	switch d {
	case DetailNone:
		return "NONE"
	case DetailConfigurationError:
		return "CONFIGURATION_ERROR"
	case DetailCommunicationError:
		return "COMMUNICATION_ERROR"
	default:
		return "INVALID"
	}
}

// State is the lifecycle's connection state.
type State uint8

const (
	// StateIdle is the state before a successful Initialize.
	StateIdle State = iota
	// StateConnecting means a connect attempt is in flight.
	StateConnecting
	// StateOnline means the peer channel is open.
	StateOnline
	// StateOffline means the last attempt failed or the channel was lost.
	StateOffline
	// StateDisposed is terminal.
	StateDisposed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOnline:
		return "ONLINE"
	case StateOffline:
		return "OFFLINE"
	case StateDisposed:
		return "DISPOSED"
	default:
		return "UNKNOWN"
	}
}
