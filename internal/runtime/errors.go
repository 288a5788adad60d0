package runtime

import "errors"

// Error kinds (closed set). Load-time kinds are fatal at run creation;
// runtime kinds either degrade routing or terminate the run.
const (
	ErrKindSchemaInvalid        = "SchemaInvalid"
	ErrKindGraphInvalid         = "GraphInvalid"
	ErrKindExpressionParse      = "ExpressionParseError"
	ErrKindExpressionEval       = "ExpressionEvalError"
	ErrKindOracleUnavailable    = "OracleUnavailable"
	ErrKindEngineTransient      = "EngineTransient"
	ErrKindEngineFailed         = "EngineFailed"
	ErrKindEngineTimeout        = "EngineTimeout"
	ErrKindCheckpointFailed     = "CheckpointFailed"
	ErrKindStackOverflow        = "StackOverflow"
	ErrKindSafetyStepCap        = "SafetyStepCap"
	ErrKindConflict             = "Conflict"
	ErrKindIllegalTransition    = "IllegalTransition"
	ErrKindUnknownFlow          = "UnknownFlow"
	ErrKindUnknownRun           = "UnknownRun"
	ErrKindInvalidParams        = "InvalidParams"
	ErrKindInvalidSpec          = "InvalidSpec"
	ErrKindUnresolvedIdentifier = "UnresolvedIdentifier"
	ErrKindTypeMismatch         = "TypeMismatch"
)

// Sentinel errors for control-API failures; the server maps them to status
// codes, the CLI to exit codes.
var (
	ErrConflict          = errors.New("etag mismatch")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrUnknownFlow       = errors.New("unknown flow")
	ErrUnknownRun        = errors.New("unknown run")
	ErrInvalidParams     = errors.New("invalid params")
	ErrInvalidSpec       = errors.New("invalid node spec")
	ErrStackOverflow     = errors.New("interruption stack overflow")
	ErrLeaseHeld         = errors.New("run lease held by another worker")
)
