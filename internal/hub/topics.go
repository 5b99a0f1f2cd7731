package hub

// Envelope types carried on the push channel.
const (
	TypeConnected         = "connected"
	TypeHeartbeat         = "heartbeat"
	TypeConversationEvent = "conversation_event"
	TypeGraphActivity     = "graph_activity"
	TypeGraphHandoff      = "graph_handoff"
	TypeChangesetCreated  = "changeset_created"
	TypeChangesetUpdated  = "changeset_updated"
	TypeChangesetDeleted  = "changeset_deleted"
	TypeTranscriptMessage = "transcript_message"
	TypeTaskStateChange   = "task_state_change"
)

// Activity types for graph_activity payloads.
const (
	ActivitySkill = "skill"
	ActivityAgent = "agent"
)
