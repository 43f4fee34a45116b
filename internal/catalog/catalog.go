// Package catalog loads process configuration from a directory of YAML
// files into the process repository and the identity directory.
//
// A catalog directory holds any number of *.yaml files at its root and the
// engine definition resources under resources/:
//
//	users:
//	  - id: bob
//	    groups: [staff]
//	processes:
//	  - key: permits
//	    roles: {admin: [alice], user: [staff]}
//	    deployment: permits-v1
//	    versions:
//	      - {deployment: permits-v1, version: "1"}
//	deployments:
//	  - process: permits
//	    id: permits-v1
//	    engine_key: permit_flow
//	    resource: permit_flow.yaml
//	    activities:
//	      - key: submit
//	        schema: {type: object, required: [applicant]}
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/rendis/casework/internal/identity"
	"github.com/rendis/casework/internal/store"
	"github.com/rendis/casework/pkg/schema"
)

// User is a directory entry.
type User struct {
	ID     string   `yaml:"id"`
	Groups []string `yaml:"groups"`
	System bool     `yaml:"system"`
}

// Deployment is a catalog deployment entry naming its process.
type Deployment struct {
	Process           string `yaml:"process"`
	schema.Deployment `yaml:",inline"`
}

type document struct {
	Users       []User           `yaml:"users"`
	Processes   []schema.Process `yaml:"processes"`
	Deployments []Deployment     `yaml:"deployments"`
}

// Catalog is the merged content of a catalog directory.
type Catalog struct {
	Dir         string
	Users       []User
	Processes   []*schema.Process
	Deployments []*schema.Deployment
}

// Load reads and checks every YAML file at the root of dir. Files are read
// in name order; all problems are reported together.
func Load(dir string) (*Catalog, error) {
	files, err := catalogFiles(dir)
	if err != nil {
		return nil, err
	}

	c := &Catalog{Dir: dir}
	var errs error
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read %s: %w", filepath.Base(path), err))
			continue
		}
		var doc document
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("parse %s: %w", filepath.Base(path), err))
			continue
		}
		c.merge(doc)
	}
	errs = multierr.Append(errs, c.check())
	if errs != nil {
		return nil, invalidCatalog(dir, errs)
	}
	return c, nil
}

func catalogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeMisconfigured, "read catalog directory %s: %s", dir, err.Error()).WithCause(err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isCatalogFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)
	return files, nil
}

func isCatalogFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(name, ".")
}

func (c *Catalog) merge(doc document) {
	c.Users = append(c.Users, doc.Users...)
	for i := range doc.Processes {
		p := doc.Processes[i]
		c.Processes = append(c.Processes, &p)
	}
	for _, entry := range doc.Deployments {
		d := entry.Deployment
		d.ProcessDefinitionKey = entry.Process
		c.Deployments = append(c.Deployments, &d)
	}
}

func (c *Catalog) check() error {
	var errs error
	processes := make(map[string]*schema.Process, len(c.Processes))
	for _, p := range c.Processes {
		if p.ProcessDefinitionKey == "" {
			errs = multierr.Append(errs, errors.New("process without key"))
			continue
		}
		if _, dup := processes[p.ProcessDefinitionKey]; dup {
			errs = multierr.Append(errs, fmt.Errorf("process %q defined twice", p.ProcessDefinitionKey))
		}
		processes[p.ProcessDefinitionKey] = p
	}

	deployments := make(map[string]bool, len(c.Deployments))
	for _, d := range c.Deployments {
		switch {
		case d.DeploymentID == "":
			errs = multierr.Append(errs, fmt.Errorf("deployment of process %q without id", d.ProcessDefinitionKey))
			continue
		case deployments[d.DeploymentID]:
			errs = multierr.Append(errs, fmt.Errorf("deployment %q defined twice", d.DeploymentID))
		}
		deployments[d.DeploymentID] = true

		p, ok := processes[d.ProcessDefinitionKey]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("deployment %q names unknown process %q", d.DeploymentID, d.ProcessDefinitionKey))
			continue
		}
		if _, ok := p.HasVersion(d.DeploymentID); !ok {
			errs = multierr.Append(errs, fmt.Errorf("deployment %q is not a version of process %q", d.DeploymentID, p.ProcessDefinitionKey))
		}
		for i := range d.Activities {
			if err := normalizeSchema(&d.Activities[i]); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("deployment %q: %w", d.DeploymentID, err))
			}
		}
	}

	for _, p := range c.Processes {
		if p.DeploymentID != "" && !deployments[p.DeploymentID] {
			errs = multierr.Append(errs, fmt.Errorf("process %q points at unknown deployment %q", p.ProcessDefinitionKey, p.DeploymentID))
		}
	}

	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" {
			errs = multierr.Append(errs, errors.New("user without id"))
			continue
		}
		if users[u.ID] {
			errs = multierr.Append(errs, fmt.Errorf("user %q defined twice", u.ID))
		}
		users[u.ID] = true
	}
	return errs
}

// normalizeSchema stores a YAML activity schema in its JSON form so it
// survives persistence.
func normalizeSchema(a *schema.Activity) error {
	if len(a.Schema) > 0 || len(a.SchemaYAML) == 0 {
		return nil
	}
	raw, err := json.Marshal(a.SchemaYAML)
	if err != nil {
		return fmt.Errorf("activity %q schema: %w", a.Key, err)
	}
	a.Schema = raw
	return nil
}

// Principals returns the directory entries as principals.
func (c *Catalog) Principals() []*identity.Principal {
	out := make([]*identity.Principal, 0, len(c.Users))
	for _, u := range c.Users {
		p := &identity.Principal{ID: u.ID, Type: identity.PrincipalTypeHuman, Groups: slices.Clone(u.Groups)}
		if u.System {
			p.Type = identity.PrincipalTypeSystem
		}
		out = append(out, p)
	}
	return out
}

// Apply saves the catalog into repo and replaces the directory contents.
//
// Runtime state owned by the Deploy and Publish commands is preserved: a
// stored deployment keeps its deployed/published flags and engine id, and
// a stored process keeps the deployment pointer it was moved to.
func (c *Catalog) Apply(ctx context.Context, repo store.ProcessRepository, dir *identity.StaticDirectory) error {
	for _, p := range c.Processes {
		next := *p
		if current, err := repo.GetProcess(ctx, p.ProcessDefinitionKey); err == nil && current.DeploymentID != "" {
			next.DeploymentID = current.DeploymentID
			next.DeploymentVersion = current.DeploymentVersion
			next.DeploymentLabel = current.DeploymentLabel
		} else if err != nil && schema.KindOf(err) != schema.KindNotFound {
			return err
		}
		if next.DeploymentVersion == "" {
			if v, ok := next.HasVersion(next.DeploymentID); ok {
				next.DeploymentVersion = v.Version
				next.DeploymentLabel = v.Label
			}
		}
		if err := repo.SaveProcess(ctx, &next); err != nil {
			return fmt.Errorf("save process %q: %w", p.ProcessDefinitionKey, err)
		}
	}

	for _, d := range c.Deployments {
		next := *d
		if current, err := repo.GetDeployment(ctx, d.DeploymentID); err == nil {
			next.Deployed = current.Deployed
			next.Published = current.Published
			next.EngineDeploymentID = current.EngineDeploymentID
			next.DeploymentTime = current.DeploymentTime
			next.PublishTime = current.PublishTime
		} else if schema.KindOf(err) != schema.KindNotFound {
			return err
		}
		if err := repo.SaveDeployment(ctx, &next); err != nil {
			return fmt.Errorf("save deployment %q: %w", d.DeploymentID, err)
		}
		if err := repo.SaveActivities(ctx, d.DeploymentID, d.Activities); err != nil {
			return fmt.Errorf("save activities of %q: %w", d.DeploymentID, err)
		}
	}

	if dir != nil {
		dir.Replace(c.Principals())
	}
	return nil
}

func invalidCatalog(dir string, errs error) error {
	problems := multierr.Errors(errs)
	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.Error()
	}
	return schema.NewErrorf(schema.ErrCodeMisconfigured, "catalog %s is invalid: %d problem(s)", dir, len(problems)).
		WithCause(errs).
		WithDetails(map[string]any{"problems": msgs})
}
