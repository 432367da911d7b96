package engine

// DeployerRegistry maps deployer kinds to Deployment collaborators.
// It is populated once and read-only afterwards.
type DeployerRegistry struct {
	deployers map[DeployerKind]Deployment
}

// NewDeployerRegistry indexes deployers by kind. A later deployer of the same
// kind replaces an earlier one.
func NewDeployerRegistry(deployers ...Deployment) *DeployerRegistry {
	r := &DeployerRegistry{deployers: make(map[DeployerKind]Deployment, len(deployers))}
	for _, d := range deployers {
		r.deployers[d.Kind()] = d
	}
	return r
}

// Get returns the deployer for kind.
func (r *DeployerRegistry) Get(kind DeployerKind) (Deployment, error) {
	d, ok := r.deployers[kind]
	if !ok {
		return nil, errDeployerNotFound(kind)
	}
	return d, nil
}

// Kinds returns the registered kinds.
func (r *DeployerRegistry) Kinds() []DeployerKind {
	kinds := make([]DeployerKind, 0, len(r.deployers))
	for k := range r.deployers {
		kinds = append(kinds, k)
	}
	return kinds
}

// HandlerRegistry maps providers to resource handlers.
type HandlerRegistry struct {
	handlers map[Provider]ResourceHandler
}

// NewHandlerRegistry indexes handlers by provider.
func NewHandlerRegistry(handlers ...ResourceHandler) *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[Provider]ResourceHandler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Provider()] = h
	}
	return r
}

// Get returns the handler for provider.
func (r *HandlerRegistry) Get(provider Provider) (ResourceHandler, error) {
	h, ok := r.handlers[provider]
	if !ok {
		return nil, errPluginNotFound(provider)
	}
	return h, nil
}
