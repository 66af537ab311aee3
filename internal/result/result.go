// Package result defines the standard result contract that every analysis
// model must produce. All execution outcomes, success or failure, flow through
// the four-key Result shape so that callers never need to distinguish error
// channels: a failed run is a Result with status "failed" and a typed error
// in its metadata.
package result

import (
	"errors"
	"fmt"
)

// Status literals. A Result's status must be exactly one of these two values
// to pass validation.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Error type values surfaced in metadata["error_type"] on failed results.
const (
	ErrTypeMissingParameter = "missing_parameter"
	ErrTypeFileNotFound     = "file_not_found"
	ErrTypeModelNotFound    = "model_not_found"
	ErrTypeDependency       = "dependency_error"
	ErrTypePermission       = "permission_error"
	ErrTypeMemory           = "memory_error"
	ErrTypeTimeout          = "timeout_error"
	ErrTypeExecution        = "execution_error"
	ErrTypeValidation       = "validation_error"
)

// Metadata keys written by constructors and the executor's enrichment step.
const (
	MetaErrorType     = "error_type"
	MetaErrorMessage  = "error_message"
	MetaModelID       = "model_id"
	MetaExecutionTime = "execution_timestamp"
	MetaInputFile     = "input_file"
	MetaOutputDir     = "output_directory"
)

// ErrInvalid is wrapped by every validation failure returned from Validate.
var ErrInvalid = errors.New("invalid result")

// requiredKeys are the four keys every result object must carry.
var requiredKeys = []string{"status", "visualizations", "data_files", "metadata"}

// Result is the universal contract for a model execution outcome.
// Visualizations and DataFiles map artifact names to file paths written by the
// plugin; the core never inspects the referenced files.
type Result struct {
	Status         string            `json:"status"`
	Visualizations map[string]string `json:"visualizations"`
	DataFiles      map[string]string `json:"data_files"`
	Metadata       map[string]any    `json:"metadata"`
}

// Validate checks that v is structurally a valid result. It accepts either a
// *Result or a raw decoded map[string]any (the shape a plugin actually hands
// back over the wire). The check is structural only: referenced file paths are
// not followed. All failures wrap ErrInvalid.
func Validate(v any) error {
	switch r := v.(type) {
	case *Result:
		if r == nil {
			return fmt.Errorf("%w: result is nil", ErrInvalid)
		}
		if r.Status != StatusSuccess && r.Status != StatusFailed {
			return fmt.Errorf("%w: status must be %q or %q, got %q", ErrInvalid, StatusSuccess, StatusFailed, r.Status)
		}
		if r.Visualizations == nil {
			return fmt.Errorf("%w: visualizations must be a mapping", ErrInvalid)
		}
		if r.DataFiles == nil {
			return fmt.Errorf("%w: data_files must be a mapping", ErrInvalid)
		}
		if r.Metadata == nil {
			return fmt.Errorf("%w: metadata must be a mapping", ErrInvalid)
		}
		return nil
	case map[string]any:
		return validateRaw(r)
	default:
		return fmt.Errorf("%w: result must be an object, got %T", ErrInvalid, v)
	}
}

func validateRaw(m map[string]any) error {
	for _, k := range requiredKeys {
		if _, ok := m[k]; !ok {
			return fmt.Errorf("%w: missing required key %q", ErrInvalid, k)
		}
	}

	status, ok := m["status"].(string)
	if !ok || (status != StatusSuccess && status != StatusFailed) {
		return fmt.Errorf("%w: status must be %q or %q, got %v", ErrInvalid, StatusSuccess, StatusFailed, m["status"])
	}

	for _, k := range []string{"visualizations", "data_files", "metadata"} {
		if _, ok := m[k].(map[string]any); !ok {
			return fmt.Errorf("%w: %s must be a mapping, got %T", ErrInvalid, k, m[k])
		}
	}
	return nil
}

// New builds a validated Result. Nil mappings are replaced with empty ones
// before validation, so callers may pass nil for any of the three collections.
// A validation failure here indicates a programming error in the caller, not
// a plugin fault, and is returned as an error.
func New(status string, visualizations, dataFiles map[string]string, metadata map[string]any) (*Result, error) {
	r := &Result{
		Status:         status,
		Visualizations: visualizations,
		DataFiles:      dataFiles,
		Metadata:       metadata,
	}
	if r.Visualizations == nil {
		r.Visualizations = map[string]string{}
	}
	if r.DataFiles == nil {
		r.DataFiles = map[string]string{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}

	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

// NewError builds a failed Result carrying the given message and error type
// in its metadata. errorType should be one of the ErrType constants; pass
// ErrTypeExecution for generic failures.
func NewError(message, errorType string) *Result {
	return &Result{
		Status:         StatusFailed,
		Visualizations: map[string]string{},
		DataFiles:      map[string]string{},
		Metadata: map[string]any{
			MetaErrorType:    errorType,
			MetaErrorMessage: message,
		},
	}
}

// Errorf is NewError with a formatted message.
func Errorf(errorType, format string, args ...any) *Result {
	return NewError(fmt.Sprintf(format, args...), errorType)
}

// FromRaw converts a raw decoded plugin return value into a Result without
// enforcing the contract. Whatever the plugin said is preserved: an unknown
// status string passes through verbatim and missing collections stay nil, so
// a non-conformant result remains observably non-conformant to the caller.
// Contract enforcement is the executor's (advisory) concern, not FromRaw's.
func FromRaw(m map[string]any) *Result {
	r := &Result{}
	if s, ok := m["status"].(string); ok {
		r.Status = s
	}
	r.Visualizations = stringMap(m["visualizations"])
	r.DataFiles = stringMap(m["data_files"])
	if meta, ok := m["metadata"].(map[string]any); ok {
		r.Metadata = meta
	}
	return r
}

// stringMap coerces a decoded JSON object into a name→path mapping, dropping
// non-string values. Returns nil when v is not an object.
func stringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
