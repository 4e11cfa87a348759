package pubsub

// ChannelCredentials carries session credential changes between processes
// sharing one credential store.
const ChannelCredentials = "messenger:credentials:changed"

const (
	EventCredentialSet     = "credential_set"
	EventCredentialCleared = "credential_cleared"
)
