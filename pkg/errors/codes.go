package errors

type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeInternal          Code = "INTERNAL"
)
