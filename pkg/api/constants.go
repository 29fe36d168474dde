package api

// ErrorCode classifies the terminal error envelope of a call.
type ErrorCode string

const (
	CodeUnknownMethod    ErrorCode = "unknown_method"
	CodeBadArguments     ErrorCode = "bad_arguments"
	CodeInvocationFailed ErrorCode = "invocation_failed"
	CodeStreamFailed     ErrorCode = "stream_failed"
	CodeDuplicateID      ErrorCode = "duplicate_id"
	CodeBadRequest       ErrorCode = "bad_request"
)

// Envelope kinds, used as metric labels.
const (
	KindItem      = "item"
	KindDone      = "done"
	KindCancelled = "cancelled"
	KindError     = "error"
)

// Call outcomes, used as metric labels and in logs.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeAborted   = "aborted"
)
