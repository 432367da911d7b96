package engine

import (
	"strings"
	"time"
)

// ServiceState is the lifecycle state of a deployed service record.
type ServiceState string

const (
	// StateDeploying is set when a deploy task starts and held until a result arrives.
	StateDeploying ServiceState = "DEPLOYING"

	// StateDeploySuccess indicates the executor reported a successful deploy.
	StateDeploySuccess ServiceState = "DEPLOY_SUCCESS"

	// StateDeployFailed indicates the deploy failed, including policy rejections.
	StateDeployFailed ServiceState = "DEPLOY_FAILED"

	// StateDestroying is set while a destroy is in flight.
	StateDestroying ServiceState = "DESTROYING"

	// StateDestroySuccess indicates all resources were released.
	StateDestroySuccess ServiceState = "DESTROY_SUCCESS"

	// StateDestroyFailed indicates the destroy failed and resources may remain.
	StateDestroyFailed ServiceState = "DESTROY_FAILED"

	// StateManualCleanupRequired marks a record an operator must clean up by hand.
	StateManualCleanupRequired ServiceState = "MANUAL_CLEANUP_REQUIRED"

	// StateInProgress is only ever carried by a DeployResult. It signals that the
	// executor accepted the work and the terminal result will arrive by callback.
	StateInProgress ServiceState = "IN_PROGRESS"
)

// Provider identifies a cloud provider.
type Provider string

const (
	ProviderHuawei         Provider = "huawei"
	ProviderFlexibleEngine Provider = "flexibleengine"
	ProviderOpenstack      Provider = "openstack"
)

// Category is the service catalog category.
type Category string

// HostingType says who hosts the deployed service.
type HostingType string

const (
	HostingTypeSelf          HostingType = "self"
	HostingTypeServiceVendor HostingType = "service-vendor"
)

// DeployerKind identifies an infrastructure-as-code engine.
type DeployerKind string

const (
	DeployerKindTerraform DeployerKind = "terraform"
	DeployerKindOpenTofu  DeployerKind = "opentofu"
)

// SensitiveScope controls how a variable value is protected.
type SensitiveScope string

const (
	SensitiveScopeNone   SensitiveScope = "none"
	SensitiveScopeOnce   SensitiveScope = "once"
	SensitiveScopeAlways SensitiveScope = "always"
)

// VariableKind says how a variable reaches the executor.
type VariableKind string

const (
	VariableKindVariable    VariableKind = "variable"
	VariableKindEnv         VariableKind = "env"
	VariableKindFixVariable VariableKind = "fix_variable"
	VariableKindFixEnv      VariableKind = "fix_env"
)

// VariableDataType is the declared type of a variable value.
type VariableDataType string

const (
	DataTypeString  VariableDataType = "string"
	DataTypeNumber  VariableDataType = "number"
	DataTypeBoolean VariableDataType = "boolean"
)

const (
	// StateFileKey is the private property key holding the raw state file.
	StateFileKey = "terraform.tfstate"

	// MaskedValue replaces sensitive request properties once a result is applied.
	MaskedValue = "********"
)

// DeployRequest is a request to provision a service from a registered template.
type DeployRequest struct {
	// UserID identifies the requester. Policy evaluation is skipped without it.
	UserID string `json:"userId,omitempty" yaml:"userId"`

	// ServiceName is the registered template name.
	ServiceName string `json:"serviceName" yaml:"serviceName" validate:"required"`

	// Version is the registered template version.
	Version string `json:"version" yaml:"version" validate:"required"`

	// Provider is the target cloud provider.
	Provider Provider `json:"provider" yaml:"provider" validate:"required"`

	// Category is the catalog category of the template.
	Category Category `json:"category" yaml:"category" validate:"required"`

	// Flavor selects a template flavor.
	Flavor string `json:"flavor" yaml:"flavor" validate:"required"`

	// Region is the target region.
	Region string `json:"region,omitempty" yaml:"region"`

	// HostingType defaults to self when empty.
	HostingType HostingType `json:"hostingType,omitempty" yaml:"hostingType" validate:"omitempty,oneof=self service-vendor"`

	// CustomerServiceName is generated when left blank.
	CustomerServiceName string `json:"customerServiceName,omitempty" yaml:"customerServiceName" validate:"omitempty,max=256"`

	// Properties are requester-supplied template variable values.
	Properties map[string]any `json:"properties,omitempty" yaml:"properties"`
}

// TemplateKey identifies a registered service template.
type TemplateKey struct {
	Name        string
	Version     string
	Provider    Provider
	Category    Category
	HostingType HostingType
}

// Key returns the lookup key for the template a request targets.
func (r *DeployRequest) Key() TemplateKey {
	hosting := r.HostingType
	if hosting == "" {
		hosting = HostingTypeSelf
	}
	return TemplateKey{
		Name:        strings.ToLower(r.ServiceName),
		Version:     strings.ToLower(r.Version),
		Provider:    Provider(strings.ToLower(string(r.Provider))),
		Category:    Category(strings.ToLower(string(r.Category))),
		HostingType: HostingType(strings.ToLower(string(hosting))),
	}
}

// ServiceTemplate is a registered, deployable service definition.
type ServiceTemplate struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name" validate:"required"`
	Version     string      `json:"version" yaml:"version" validate:"required"`
	Provider    Provider    `json:"provider" yaml:"provider" validate:"required"`
	Category    Category    `json:"category" yaml:"category" validate:"required"`
	HostingType HostingType `json:"hostingType" yaml:"hostingType" validate:"required,oneof=self service-vendor"`
	Namespace   string      `json:"namespace" yaml:"namespace" validate:"required"`
	Description string      `json:"description,omitempty" yaml:"description"`

	// Deployment is the executable definition. A template without one cannot be deployed.
	Deployment *DeploymentDefinition `json:"deployment,omitempty" yaml:"deployment" validate:"omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Key returns the lookup key of the template.
func (t *ServiceTemplate) Key() TemplateKey {
	return TemplateKey{
		Name:        strings.ToLower(t.Name),
		Version:     strings.ToLower(t.Version),
		Provider:    Provider(strings.ToLower(string(t.Provider))),
		Category:    Category(strings.ToLower(string(t.Category))),
		HostingType: HostingType(strings.ToLower(string(t.HostingType))),
	}
}

// DeploymentDefinition holds the IaC scripts and variables of a template.
type DeploymentDefinition struct {
	// Kind selects the deployer.
	Kind DeployerKind `json:"kind" yaml:"kind" validate:"required,oneof=terraform opentofu"`

	// Scripts maps file names to script contents.
	Scripts map[string]string `json:"scripts" yaml:"scripts" validate:"required,min=1"`

	// Variables declares the inputs of the scripts.
	Variables []DeployVariable `json:"variables,omitempty" yaml:"variables" validate:"dive"`
}

// DeployVariable declares one template input.
type DeployVariable struct {
	Name        string           `json:"name" yaml:"name" validate:"required"`
	Kind        VariableKind     `json:"kind" yaml:"kind" validate:"required,oneof=variable env fix_variable fix_env"`
	DataType    VariableDataType `json:"dataType" yaml:"dataType" validate:"required,oneof=string number boolean"`
	Mandatory   bool             `json:"mandatory" yaml:"mandatory"`
	Sensitive   SensitiveScope   `json:"sensitiveScope,omitempty" yaml:"sensitiveScope" validate:"omitempty,oneof=none once always"`
	Value       string           `json:"value,omitempty" yaml:"value"`
	Description string           `json:"description,omitempty" yaml:"description"`

	MinLength *int     `json:"minLength,omitempty" yaml:"minLength" validate:"omitempty,min=0"`
	MaxLength *int     `json:"maxLength,omitempty" yaml:"maxLength" validate:"omitempty,min=0"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern"`
	Enum      []string `json:"enum,omitempty" yaml:"enum"`
	Minimum   *float64 `json:"minimum,omitempty" yaml:"minimum"`
	Maximum   *float64 `json:"maximum,omitempty" yaml:"maximum"`
}

// IsSensitive reports whether the variable value must be protected.
func (v DeployVariable) IsSensitive() bool {
	return v.Sensitive != "" && v.Sensitive != SensitiveScopeNone
}

// DeployTask is the in-memory unit of work for one deploy or destroy.
type DeployTask struct {
	// ID is the task id and also the id of the service record.
	ID string

	// Request is the originating request.
	Request *DeployRequest

	// Template is the resolved template.
	Template *ServiceTemplate

	// Namespace is copied from the template.
	Namespace string

	// Handler normalizes executor output for the request's provider.
	Handler ResourceHandler
}

// Resource is one cloud resource produced by a deployment.
type Resource struct {
	GroupType  string            `json:"groupType"`
	GroupName  string            `json:"groupName"`
	Kind       string            `json:"kind"`
	Properties map[string]string `json:"properties,omitempty"`

	// ServiceID references the owning record.
	ServiceID string `json:"serviceId"`
}

// DeployResult is the normalized outcome of a deploy or destroy.
type DeployResult struct {
	ID                string            `json:"id"`
	State             ServiceState      `json:"state"`
	Message           string            `json:"message,omitempty"`
	Resources         []Resource        `json:"resources,omitempty"`
	Properties        map[string]string `json:"properties,omitempty"`
	PrivateProperties map[string]string `json:"privateProperties,omitempty"`
}

// StateFile returns the raw state file carried by the result, if any.
func (r *DeployResult) StateFile() string {
	if r == nil || r.PrivateProperties == nil {
		return ""
	}
	return r.PrivateProperties[StateFileKey]
}

// ExecutorResult is the raw completion payload reported by an executor.
type ExecutorResult struct {
	RequestID        string            `json:"requestId,omitempty"`
	Success          bool              `json:"commandSuccessful"`
	StdOut           string            `json:"commandStdOutput,omitempty"`
	StdErr           string            `json:"commandStdError,omitempty"`
	StateFileContent string            `json:"terraformState,omitempty"`
	GeneratedFiles   map[string]string `json:"generatedFileContentMap,omitempty"`
	ExecutorVersion  string            `json:"terraformVersionUsed,omitempty"`
}

// ServiceRecord is the durable record of a deployed service.
type ServiceRecord struct {
	ID                  string            `json:"id"`
	UserID              string            `json:"userId,omitempty"`
	Namespace           string            `json:"namespace"`
	Provider            Provider          `json:"provider"`
	Category            Category          `json:"category"`
	Name                string            `json:"name"`
	Version             string            `json:"version"`
	Flavor              string            `json:"flavor"`
	CustomerServiceName string            `json:"customerServiceName"`
	Request             *DeployRequest    `json:"request"`
	State               ServiceState      `json:"state"`
	Resources           []Resource        `json:"resources,omitempty"`
	Properties          map[string]string `json:"properties,omitempty"`
	PrivateProperties   map[string]string `json:"-"`
	ResultMessage       string            `json:"resultMessage,omitempty"`

	// PurgePending marks a record whose purge waits on an asynchronous destroy.
	PurgePending bool `json:"purgePending,omitempty"`

	// Deployment is the definition the service was deployed with. Destroy
	// and callbacks use it instead of the live template.
	Deployment *DeploymentDefinition `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StateFile returns the last recorded state file, if any.
func (r *ServiceRecord) StateFile() string {
	if r.PrivateProperties == nil {
		return ""
	}
	return r.PrivateProperties[StateFileKey]
}

// ServiceQuery filters record listings. Zero fields match everything.
type ServiceQuery struct {
	UserID    string
	Namespace string
	Provider  Provider
	Category  Category
	State     ServiceState
	Limit     int
	Offset    int
}
