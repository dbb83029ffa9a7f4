package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
)

// IsPending reports whether the outcome of the transaction is still unknown.
func (s Status) IsPending() bool {
	return s == StatusSubmitted || s == StatusTimeout
}

var ErrEntryNotFound = errors.New("journal entry not found")

// Entry records one broadcast transaction of a flow step.
type Entry struct {
	Id          int64
	FlowId      uuid.UUID
	StepIndex   int
	StepKind    string
	PlanId      int64
	Caller      string
	TxHash      string
	Status      Status
	FailureKind string
	Reason      string
	Created     time.Time
	Updated     time.Time
}

type Repository interface {
	Record(ctx context.Context, entry Entry) (Entry, error)
	UpdateStatus(ctx context.Context, txHash string, status Status, failureKind string, reason string) error
	ListByFlow(ctx context.Context, flowId uuid.UUID) ([]Entry, error)
	ListPending(ctx context.Context) ([]Entry, error)
}
