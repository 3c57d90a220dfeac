package models

import "errors"

var (
	errInconsistentToolResult  = errors.New("models: tool result has success=true and a non-empty error")
	errMissingToolResultReason = errors.New("models: tool result has success=false and no error")
)
