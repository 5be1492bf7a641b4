package bus

// Registry topics. Payloads are defined by the registry package.
const (
	TopicRegistryPrefix             = "registry."
	TopicRegistryConnectionsChanged = "registry.connections_changed"
	TopicRegistrySelectionChanged   = "registry.selection_changed"
)

// Worker topics. Payloads are defined by the worker package.
const (
	TopicWorkerPrefix       = "worker."
	TopicWorkerStateChanged = "worker.state_changed"
	TopicWorkerLog          = "worker.log"
)
