package domain

// Code classifies how a request to the signaling server ended.
type Code int

const (
	Success Code = iota
	GenericFailure
	NameResolutionFailure
	ConnectionFailure
	SendFailure
	ReceiveFailure
	ParseFailure
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case GenericFailure:
		return "generic failure"
	case NameResolutionFailure:
		return "name resolution failure"
	case ConnectionFailure:
		return "connection failure"
	case SendFailure:
		return "send failure"
	case ReceiveFailure:
		return "receive failure"
	case ParseFailure:
		return "parse failure"
	default:
		return "unknown"
	}
}
