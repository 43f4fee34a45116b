package validation

import (
	"context"

	"github.com/rendis/casework/pkg/schema"
)

// Validator checks submissions against activity schemas and deployments for
// internal consistency. Schemas use JSON Schema Draft 2020-12.
type Validator interface {
	ValidateSubmission(ctx context.Context, deployment *schema.Deployment, activityKey string, sub *schema.Submission, attachments []schema.Attachment) (*schema.Validation, error)
	ValidateDeployment(deployment *schema.Deployment) error
}
