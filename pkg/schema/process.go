package schema

import (
	"encoding/json"
	"slices"
	"time"
)

// Process is the configuration record of a process definition.
type Process struct {
	ProcessDefinitionKey     string              `json:"process_definition_key" yaml:"key"`
	Label                    string              `json:"label,omitempty" yaml:"label"`
	AllowAnonymousSubmission bool                `json:"allow_anonymous_submission,omitempty" yaml:"allow_anonymous_submission"`
	Roles                    map[Role][]string   `json:"roles,omitempty" yaml:"roles"`
	DeploymentID             string              `json:"deployment_id,omitempty" yaml:"deployment"`
	DeploymentVersion        string              `json:"deployment_version,omitempty" yaml:"-"`
	DeploymentLabel          string              `json:"deployment_label,omitempty" yaml:"-"`
	Versions                 []DeploymentVersion `json:"versions,omitempty" yaml:"versions"`
	StatusLabels             StatusLabels        `json:"status_labels,omitempty" yaml:"status_labels"`
	Interceptors             []InterceptorRule   `json:"interceptors,omitempty" yaml:"interceptors"`
	Deleted                  bool                `json:"deleted,omitempty" yaml:"deleted"`
}

// DeploymentVersion is one known deployment of a process.
type DeploymentVersion struct {
	DeploymentID string `json:"deployment_id" yaml:"deployment"`
	Label        string `json:"label,omitempty" yaml:"label"`
	Version      string `json:"version" yaml:"version"`
}

// StatusLabels overrides the application status applied by lifecycle commands.
type StatusLabels struct {
	Suspended string `json:"suspended,omitempty" yaml:"suspended"`
	Cancelled string `json:"cancelled,omitempty" yaml:"cancelled"`
	Completed string `json:"completed,omitempty" yaml:"completed"`
}

// InterceptorRule is a per-process policy evaluated before a command runs.
// When the When expression evaluates to true the command is rejected.
type InterceptorRule struct {
	Name     string   `json:"name" yaml:"name"`
	Lang     string   `json:"lang,omitempty" yaml:"lang"` // cel | expr | jq (default: cel)
	When     string   `json:"when" yaml:"when"`
	Reject   string   `json:"reject,omitempty" yaml:"reject"`
	Commands []string `json:"commands,omitempty" yaml:"commands"`
}

// AppliesTo reports whether the rule covers the named command.
func (r InterceptorRule) AppliesTo(command string) bool {
	return len(r.Commands) == 0 || slices.Contains(r.Commands, command)
}

// HasVersion reports whether deploymentID is one of the process's known deployments.
func (p *Process) HasVersion(deploymentID string) (DeploymentVersion, bool) {
	for _, v := range p.Versions {
		if v.DeploymentID == deploymentID {
			return v, true
		}
	}
	return DeploymentVersion{}, false
}

// SuspendedLabel returns the application status applied on suspension.
func (p *Process) SuspendedLabel() string {
	if p != nil && p.StatusLabels.Suspended != "" {
		return p.StatusLabels.Suspended
	}
	return DefaultSuspendedStatus
}

// CancelledLabel returns the application status applied on cancellation.
func (p *Process) CancelledLabel() string {
	if p != nil && p.StatusLabels.Cancelled != "" {
		return p.StatusLabels.Cancelled
	}
	return DefaultCancelledStatus
}

// CompletedLabel returns the application status applied on completion.
func (p *Process) CompletedLabel() string {
	if p != nil && p.StatusLabels.Completed != "" {
		return p.StatusLabels.Completed
	}
	return DefaultCompletedStatus
}

// Deployment is a versioned bundle of process configuration bound to an engine definition.
type Deployment struct {
	DeploymentID                     string     `json:"deployment_id" yaml:"id"`
	ProcessDefinitionKey             string     `json:"process_definition_key" yaml:"-"`
	Label                            string     `json:"label,omitempty" yaml:"label"`
	Version                          string     `json:"version,omitempty" yaml:"version"`
	EngineProcessDefinitionKey       string     `json:"engine_process_definition_key,omitempty" yaml:"engine_key"`
	EngineDeploymentID               string     `json:"engine_deployment_id,omitempty" yaml:"-"`
	ResourceName                     string     `json:"resource_name,omitempty" yaml:"resource"`
	Activities                       []Activity `json:"activities,omitempty" yaml:"activities"`
	AssignmentRestrictedToCandidates bool       `json:"assignment_restricted_to_candidates,omitempty" yaml:"assignment_restricted_to_candidates"`
	Deployed                         bool       `json:"deployed,omitempty" yaml:"deployed"`
	Published                        bool       `json:"published,omitempty" yaml:"published"`
	DeploymentTime                   *time.Time `json:"deployment_time,omitempty" yaml:"-"`
	PublishTime                      *time.Time `json:"publish_time,omitempty" yaml:"-"`
}

// Activity returns the activity with the given key.
func (d *Deployment) Activity(key string) (Activity, bool) {
	for _, a := range d.Activities {
		if a.Key == key {
			return a, true
		}
	}
	return Activity{}, false
}

// Activity is one user-facing step of a deployment, keyed by the engine task definition key.
type Activity struct {
	Key             string          `json:"key" yaml:"key"`
	Label           string          `json:"label,omitempty" yaml:"label"`
	CandidateGroups []string        `json:"candidate_groups,omitempty" yaml:"candidates"`
	Schema          json.RawMessage `json:"schema,omitempty" yaml:"-"`
	SchemaYAML      map[string]any  `json:"-" yaml:"schema"`
}
