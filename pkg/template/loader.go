package template

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// file is the on-disk layout of a template. Scripts may be inlined or
// listed in scriptFiles, relative to the template file.
type file struct {
	Name        string             `yaml:"name"`
	Version     string             `yaml:"version"`
	Provider    engine.Provider    `yaml:"provider"`
	Category    engine.Category    `yaml:"category"`
	HostingType engine.HostingType `yaml:"hostingType"`
	Namespace   string             `yaml:"namespace"`
	Description string             `yaml:"description"`
	Deployment  *fileDeployment    `yaml:"deployment"`
}

type fileDeployment struct {
	Kind        engine.DeployerKind     `yaml:"kind"`
	Scripts     map[string]string       `yaml:"scripts"`
	ScriptFiles []string                `yaml:"scriptFiles"`
	Variables   []engine.DeployVariable `yaml:"variables"`
}

// Loader reads and checks template files.
type Loader struct {
	validate  *validator.Validate
	variables *VariableValidator
}

// NewLoader creates a template loader.
func NewLoader(variables *VariableValidator) *Loader {
	return &Loader{
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		variables: variables,
	}
}

// LoadFile reads a YAML template from path and checks it.
func (l *Loader) LoadFile(path string) (*engine.ServiceTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return l.Load(data, filepath.Dir(path))
}

// Load decodes a YAML template. Script files are resolved against baseDir.
func (l *Loader) Load(data []byte, baseDir string) (*engine.ServiceTemplate, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, engine.NewValidationError("invalid template document", []string{err.Error()})
	}

	tmpl := &engine.ServiceTemplate{
		Name:        f.Name,
		Version:     f.Version,
		Provider:    engine.Provider(strings.ToLower(string(f.Provider))),
		Category:    engine.Category(strings.ToLower(string(f.Category))),
		HostingType: f.HostingType,
		Namespace:   f.Namespace,
		Description: f.Description,
	}
	if tmpl.HostingType == "" {
		tmpl.HostingType = engine.HostingTypeSelf
	}

	if f.Deployment != nil {
		scripts := make(map[string]string, len(f.Deployment.Scripts)+len(f.Deployment.ScriptFiles))
		for name, body := range f.Deployment.Scripts {
			scripts[name] = body
		}
		for _, rel := range f.Deployment.ScriptFiles {
			body, err := os.ReadFile(filepath.Join(baseDir, rel))
			if err != nil {
				return nil, fmt.Errorf("failed to read script %s: %w", rel, err)
			}
			scripts[filepath.Base(rel)] = string(body)
		}
		tmpl.Deployment = &engine.DeploymentDefinition{
			Kind:      f.Deployment.Kind,
			Scripts:   scripts,
			Variables: f.Deployment.Variables,
		}
	}

	if err := l.Check(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// Check validates a template before registration. Every problem is
// reported in one validation error.
func (l *Loader) Check(tmpl *engine.ServiceTemplate) error {
	var violations []string

	if err := l.validate.Struct(tmpl); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				violations = append(violations, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			violations = append(violations, err.Error())
		}
	}

	switch tmpl.Provider {
	case engine.ProviderHuawei, engine.ProviderFlexibleEngine, engine.ProviderOpenstack:
	default:
		violations = append(violations, fmt.Sprintf("provider: unsupported provider %q", tmpl.Provider))
	}

	if tmpl.Deployment == nil {
		violations = append(violations, "deployment: a template needs a deployment definition")
	} else {
		seen := make(map[string]bool, len(tmpl.Deployment.Variables))
		for _, v := range tmpl.Deployment.Variables {
			if seen[v.Name] {
				violations = append(violations, fmt.Sprintf("%s: duplicate variable", v.Name))
			}
			seen[v.Name] = true
			if (v.Kind == engine.VariableKindFixVariable || v.Kind == engine.VariableKindFixEnv) && v.Value == "" {
				violations = append(violations, fmt.Sprintf("%s: fixed variable has no value", v.Name))
			}
		}
		if l.variables != nil {
			violations = append(violations, l.variables.CheckDeclarations(tmpl.Deployment.Variables)...)
		}
	}

	if len(violations) > 0 {
		return engine.NewValidationError("invalid service template", violations)
	}
	return nil
}
