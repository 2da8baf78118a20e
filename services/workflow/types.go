package workflow

import "time"

// Status is the lifecycle state of a workflow as recorded in the system database.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSuccess         Status = "SUCCESS"
	StatusError           Status = "ERROR"
	StatusRetriesExceeded Status = "RETRIES_EXCEEDED"
	StatusCancelled       Status = "CANCELLED"
	StatusEnqueued        Status = "ENQUEUED"
)

// StatusRecord is the internal row shape of dbos.workflow_status.
// Output, Error and Request hold serialized blobs; the journal never
// interprets them.
type StatusRecord struct {
	WorkflowUUID       string
	Status             Status
	Name               string
	ClassName          *string
	ConfigName         *string
	Output             *string
	Error              *string
	ExecutorID         *string
	AppVersion         *string
	AppID              *string
	Request            *string
	RecoveryAttempts   int64
	AuthenticatedUser  *string
	AuthenticatedRoles *string // JSON list of roles
	AssumedRole        *string
	QueueName          *string
	CreatedAtEpochMs   int64
}

// Inputs is the serialized argument bundle stored in dbos.workflow_inputs.
type Inputs struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

// OperationResult is a single step's journal entry for dbos.operation_outputs.
// Exactly one of Output/Error may be non-nil.
type OperationResult struct {
	WorkflowUUID string
	FunctionID   int
	Output       *string
	Error        *string
}

// RecordedResult is the read-side view of a journaled step or transaction.
type RecordedResult struct {
	Output *string
	Error  *string
}

// TransactionResult is the journal entry for dbos.transaction_outputs in the
// application database. TxnSnapshot is captured by the executor before running
// user SQL; TxnID is filled in by the database at commit.
type TransactionResult struct {
	WorkflowUUID string
	FunctionID   int
	Output       *string
	Error        *string
	TxnID        *string
	TxnSnapshot  string
	ExecutorID   *string
}

// QueueRateLimit caps how many workflows a queue may start within a rolling
// window: at most Limit starts per Period.
type QueueRateLimit struct {
	Limit  int
	Period time.Duration
}

// GetEventContext identifies the calling workflow step for get_event so its
// result (and its timeout) can be journaled once-and-only-once.
type GetEventContext struct {
	WorkflowUUID      string
	FunctionID        int
	TimeoutFunctionID int
}

// ListWorkflowsInput is the filter set for listing workflows.
// Zero values mean "no constraint". Times are epoch milliseconds.
type ListWorkflowsInput struct {
	Name              string
	AuthenticatedUser string
	StartTimeEpochMs  int64
	EndTimeEpochMs    int64
	Status            Status
	AppVersion        string
	Limit             int
}

// Information is the external projection of a workflow: status columns plus
// the deserialized inputs, as returned by the info read path.
type Information struct {
	WorkflowUUID       string  `json:"workflowUUID"`
	Status             Status  `json:"status"`
	Name               string  `json:"name"`
	ClassName          *string `json:"className,omitempty"`
	ConfigName         *string `json:"configName,omitempty"`
	AuthenticatedUser  *string `json:"authenticatedUser,omitempty"`
	AssumedRole        *string `json:"assumedRole,omitempty"`
	AuthenticatedRoles *string `json:"authenticatedRoles,omitempty"`
	QueueName          *string `json:"queueName,omitempty"`
	Input              *Inputs `json:"input,omitempty"`
	Output             *string `json:"output,omitempty"`
	Error              *string `json:"error,omitempty"`
	Request            *string `json:"request,omitempty"`
}
