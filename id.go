package orchestra

import "go.jetify.com/typeid"

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewWorkflowID returns a new typed ID for workflow identification
func NewWorkflowID() string {
	return newID("wf")
}

// NewStepID returns a new typed ID for step identification
func NewStepID() string {
	return newID("step")
}

// NewCheckpointID returns a new typed ID for checkpoint identification
func NewCheckpointID() string {
	return newID("chk")
}

// NewSyncPointID returns a new typed ID for synchronization point identification
func NewSyncPointID() string {
	return newID("sync")
}

// NewConflictID returns a new typed ID for conflict record identification
func NewConflictID() string {
	return newID("conflict")
}
