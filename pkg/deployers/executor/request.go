package executor

import (
	"fmt"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// scriptRequest is the body of deploy, destroy and plan calls.
type scriptRequest struct {
	RequestID        string            `json:"requestId"`
	TerraformVersion string            `json:"terraformVersion,omitempty"`
	OpenTofuVersion  string            `json:"openTofuVersion,omitempty"`
	Variables        map[string]any    `json:"variables"`
	EnvVariables     map[string]string `json:"envVariables"`
	ScriptFiles      map[string]string `json:"scriptFiles"`
	TFState          string            `json:"tfState,omitempty"`
	WebhookConfig    *webhookConfig    `json:"webhookConfig,omitempty"`
}

type webhookConfig struct {
	URL      string `json:"url"`
	AuthType string `json:"authType"`
}

type planResponse struct {
	Plan string `json:"plan"`
}

// scriptRequest assembles the executor input of a task. Requester values
// take precedence over template defaults; fixed variables always use the
// template value.
func (c *Client) scriptRequest(task *engine.DeployTask, stateFile string) (*scriptRequest, error) {
	if task.Template == nil || task.Template.Deployment == nil {
		return nil, fmt.Errorf("task %s has no deployment definition", task.ID)
	}
	def := task.Template.Deployment

	req := &scriptRequest{
		RequestID:    task.ID,
		Variables:    map[string]any{},
		EnvVariables: map[string]string{},
		ScriptFiles:  def.Scripts,
		TFState:      stateFile,
	}
	switch c.config.Kind {
	case engine.DeployerKindOpenTofu:
		req.OpenTofuVersion = c.config.Version
	default:
		req.TerraformVersion = c.config.Version
	}

	var properties map[string]any
	if task.Request != nil {
		properties = task.Request.Properties
	}

	for _, v := range def.Variables {
		value, ok, err := c.resolve(v, properties)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", v.Name, err)
		}
		if !ok {
			continue
		}
		switch v.Kind {
		case engine.VariableKindEnv, engine.VariableKindFixEnv:
			req.EnvVariables[v.Name] = fmt.Sprint(value)
		default:
			req.Variables[v.Name] = value
		}
	}
	return req, nil
}

func (c *Client) resolve(v engine.DeployVariable, properties map[string]any) (any, bool, error) {
	switch v.Kind {
	case engine.VariableKindFixVariable, engine.VariableKindFixEnv:
		return v.Value, v.Value != "", nil
	}

	value, ok := properties[v.Name]
	if !ok || value == nil || value == engine.MaskedValue {
		return v.Value, v.Value != "", nil
	}

	if s, isString := value.(string); isString && v.IsSensitive() && c.decrypter != nil {
		plain, err := c.decrypter.DecryptIfEncrypted(s)
		if err != nil {
			return nil, false, err
		}
		return plain, true, nil
	}
	return value, true, nil
}
