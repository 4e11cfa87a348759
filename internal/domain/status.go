package domain

// ConnectionStatus is the indicator exposed to the UI layer.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusStopped      ConnectionStatus = "stopped"
)
