package session

// ChatState is the lifecycle state of one chat session.
type ChatState string

const (
	// StateInput accepts a new submission.
	StateInput ChatState = "input"
	// StateLoading covers the window between submit and the first packet.
	StateLoading ChatState = "loading"
	// StateToolBuilding indicates a tool invocation has started but not
	// yet returned a result.
	StateToolBuilding ChatState = "toolBuilding"
	// StateStreaming indicates answer content is arriving.
	StateStreaming ChatState = "streaming"
	// StateUploading covers an in-flight file attachment.
	StateUploading ChatState = "uploading"
)

// validTransitions is the session state machine. A session re-enters
// input whenever its stream ends, errors, or is aborted.
var validTransitions = map[ChatState][]ChatState{
	StateInput:        {StateLoading, StateUploading},
	StateLoading:      {StateStreaming, StateToolBuilding, StateInput},
	StateStreaming:    {StateToolBuilding, StateInput},
	StateToolBuilding: {StateStreaming, StateInput},
	StateUploading:    {StateInput},
}

// CanTransition reports whether moving from one chat state to another is
// legal. Staying in the same state is always allowed.
func CanTransition(from, to ChatState) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
