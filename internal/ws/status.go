package ws

// Status WebSocket 连接状态机的五个状态。
//
// 迁移：Disconnected → Connecting → {Connected | Error}；
// Connected → Reconnecting →（成功）Connected /（次数耗尽）Error。
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusError
)

// String 返回状态的可读名称。
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
