package event_bus

import "time"

const (
	FlowSucceededType EventType = "flow.succeeded"
	FlowFailedType    EventType = "flow.failed"
)

// FlowSucceeded is published once every step of a flow is confirmed.
type FlowSucceeded struct {
	FlowId   string
	Action   string
	PlanId   int64
	Caller   string
	TxHashes []string
	Finished time.Time
}

// FlowFailed is published when a flow enters the error state. Rejected signatures are not failures.
type FlowFailed struct {
	FlowId      string
	Action      string
	PlanId      int64
	Step        string
	FailureKind string
	Reason      string
}
