package validation

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/rendis/casework/pkg/schema"
)

// ValidateDeployment checks a deployment before it is handed to the engine:
// an engine definition key must be present, activity keys must be unique and
// every activity schema must compile. All problems are reported together.
func (v *SubmissionValidator) ValidateDeployment(deployment *schema.Deployment) error {
	if deployment == nil {
		return schema.NewError(schema.ErrCodeMisconfigured, "deployment is nil")
	}

	var errs error
	if deployment.EngineProcessDefinitionKey == "" {
		errs = multierr.Append(errs, fmt.Errorf("engine process definition key is empty"))
	}

	seen := make(map[string]struct{}, len(deployment.Activities))
	for i, a := range deployment.Activities {
		if a.Key == "" {
			errs = multierr.Append(errs, fmt.Errorf("activities[%d]: key is empty", i))
			continue
		}
		if _, dup := seen[a.Key]; dup {
			errs = multierr.Append(errs, fmt.Errorf("activities[%d]: duplicate key %q", i, a.Key))
		}
		seen[a.Key] = struct{}{}

		raw, err := activitySchema(deployment, a.Key)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("activity %q: %w", a.Key, err))
			continue
		}
		if len(raw) == 0 {
			continue
		}
		if err := v.CompileSchema(raw); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("activity %q: %w", a.Key, err))
		}
	}

	if errs == nil {
		return nil
	}
	problems := multierr.Errors(errs)
	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.Error()
	}
	return schema.NewErrorf(schema.ErrCodeMisconfigured,
		"deployment %q is misconfigured: %d problem(s)", deployment.DeploymentID, len(problems)).
		WithCause(errs).
		WithDetails(map[string]any{"problems": msgs})
}

var _ Validator = (*SubmissionValidator)(nil)
