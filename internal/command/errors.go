package command

import (
	"github.com/rendis/casework/pkg/schema"
)

// engineRefused reports an engine call that failed or returned false.
func engineRefused(code, op string, inst *schema.ProcessInstance, cause error) error {
	details := map[string]any{
		"operation":           op,
		"process_instance_id": inst.ProcessInstanceID,
		"status":              string(inst.ProcessStatus),
	}
	if cause != nil {
		return schema.NewErrorf(code, "engine failed to %s process instance %q: %s", op, inst.ProcessInstanceID, cause.Error()).
			WithDetails(details).WithCause(cause)
	}
	return schema.NewErrorf(code, "engine refused to %s process instance %q", op, inst.ProcessInstanceID).
		WithDetails(details)
}

// asInternal keeps typed errors and wraps anything else as an internal failure.
func asInternal(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if schema.CodeOf(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeInternal, format, args...).WithCause(err)
}
