package tunnel

type State int32

const (
	Idle State = iota
	Connecting
	Authenticating
	Connected
	Disconnecting
	Failed
)

// States lists every state in declaration order.
var States = []State{Idle, Connecting, Authenticating, Connected, Disconnecting, Failed}

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}
