package providers

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// State is the subset of a Terraform/OpenTofu state file the handlers read.
type State struct {
	Version          int                    `json:"version"`
	TerraformVersion string                 `json:"terraform_version"`
	Outputs          map[string]StateOutput `json:"outputs"`
	Resources        []StateResource        `json:"resources"`
}

// StateOutput is one root module output.
type StateOutput struct {
	Value     any  `json:"value"`
	Sensitive bool `json:"sensitive"`
}

// StateResource is one resource block of the state.
type StateResource struct {
	Mode      string          `json:"mode"`
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Instances []StateInstance `json:"instances"`
}

// StateInstance is one instance of a resource block.
type StateInstance struct {
	Attributes map[string]any `json:"attributes"`
}

// ParseState decodes a state file.
func ParseState(content string) (*State, error) {
	var state State
	if err := json.Unmarshal([]byte(content), &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &state, nil
}

// ResourceMapping describes how instances of one resource type are
// normalized. Properties maps normalized property names to state attribute
// names.
type ResourceMapping struct {
	Kind       string
	Properties map[string]string
}

// StateHandler is a ResourceHandler driven by a table of supported resource
// types.
type StateHandler struct {
	provider engine.Provider
	mappings map[string]ResourceMapping
	logger   zerolog.Logger
}

var _ engine.ResourceHandler = (*StateHandler)(nil)

// NewStateHandler creates a handler for provider.
func NewStateHandler(provider engine.Provider, mappings map[string]ResourceMapping, logger zerolog.Logger) *StateHandler {
	return &StateHandler{
		provider: provider,
		mappings: mappings,
		logger:   logger.With().Str("component", "resource_handler").Str("provider", string(provider)).Logger(),
	}
}

// Provider implements engine.ResourceHandler.
func (h *StateHandler) Provider() engine.Provider {
	return h.provider
}

// SupportedTypes lists the resource types this handler normalizes, sorted.
func (h *StateHandler) SupportedTypes() []string {
	types := make([]string, 0, len(h.mappings))
	for t := range h.mappings {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Handle implements engine.ResourceHandler. Outputs are merged into the
// result's properties and Resources is replaced by the normalized resources
// of the state. A result without a state file is left untouched.
func (h *StateHandler) Handle(result *engine.DeployResult) error {
	content := result.StateFile()
	if strings.TrimSpace(content) == "" {
		return nil
	}

	state, err := ParseState(content)
	if err != nil {
		return err
	}

	if len(state.Outputs) > 0 && result.Properties == nil {
		result.Properties = make(map[string]string, len(state.Outputs))
	}
	for name, output := range state.Outputs {
		result.Properties[name] = stringify(output.Value)
	}

	resources := make([]engine.Resource, 0, len(state.Resources))
	for _, block := range state.Resources {
		if block.Mode == "data" {
			continue
		}
		mapping, ok := h.mappings[block.Type]
		if !ok {
			h.logger.Debug().Str("type", block.Type).Msg("unsupported resource type skipped")
			continue
		}
		for _, instance := range block.Instances {
			resources = append(resources, engine.Resource{
				GroupType:  block.Type,
				GroupName:  block.Name,
				Kind:       mapping.Kind,
				Properties: mapping.extract(instance.Attributes),
				ServiceID:  result.ID,
			})
		}
	}
	result.Resources = resources

	h.logger.Debug().
		Str("task_id", result.ID).
		Int("resources", len(resources)).
		Int("outputs", len(state.Outputs)).
		Msg("state file normalized")
	return nil
}

func (m ResourceMapping) extract(attributes map[string]any) map[string]string {
	props := make(map[string]string, len(m.Properties)+2)
	for _, key := range []string{"id", "name"} {
		if v, ok := attributes[key]; ok && v != nil {
			props[key] = stringify(v)
		}
	}
	for name, attr := range m.Properties {
		if v, ok := lookup(attributes, attr); ok && v != nil {
			props[name] = stringify(v)
		}
	}
	return props
}

// lookup resolves a dotted attribute path such as "publicip.0.ip_address".
// Numeric segments index into lists.
func lookup(attributes map[string]any, path string) (any, bool) {
	var cur any = attributes
	for _, segment := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
