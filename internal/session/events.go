package session

// Event 会话领域事件，通过 Manager.OnEvent 注册的回调广播。
type Event string

const (
	// EventTokenExpired 会话已失效（后台检测到过期，或刷新失败）
	EventTokenExpired Event = "token_expired"
	// EventTokenRefreshed 令牌刷新成功
	EventTokenRefreshed Event = "token_refreshed"
	// EventSessionCleared 会话被主动清除（登出）
	EventSessionCleared Event = "session_cleared"
)
