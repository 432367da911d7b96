package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// configSchema constrains the values of a configuration document before it
// is decoded. Unknown keys are rejected by the decoder as well.
const configSchema = `
#Duration: string | int

#Executor: {
	kind:           "terraform" | "opentofu"
	baseURL:        string & =~"^https?://"
	version?:       string
	async?:         bool
	callbackURL?:   string & =~"^https?://"
	timeout?:       #Duration
	maxRetries?:    int & >=0 & <=10
	retryDelay?:    #Duration
	maxRetryDelay?: #Duration
}

#Config: {
	server?: {
		address?:         string & !=""
		readTimeout?:     #Duration
		writeTimeout?:    #Duration
		idleTimeout?:     #Duration
		shutdownTimeout?: #Duration
	}
	database?: {
		path?:            string & !=""
		maxOpenConns?:    int & >=0
		maxIdleConns?:    int & >=0
		connMaxLifetime?: #Duration
	}
	executors?: [...#Executor]
	workers?: {
		maxParallel?: int & >=1
	}
	secrets?: {
		key?:     string
		keyFile?: string
	}
	policy?: {
		dirs?:  [...string]
		watch?: bool
	}
	templates?: {
		dirs?: [...string]
	}
	telemetry?: {
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "json" | "console"
			...
		}
		tracing?: {
			exporter?:     "otlp" | "stdout" | "none"
			samplingRate?: number & >=0 & <=1
			...
		}
		...
	}
}
`

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
	schemaMu   sync.Mutex
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(configSchema)
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile config schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Config"))
	})
	return schemaCtx, schemaDef, schemaErr
}

// CheckSchema validates a YAML configuration document against the config
// schema and reports every violation.
func CheckSchema(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if len(doc) == 0 {
		return nil
	}

	ctx, def, err := loadSchema()
	if err != nil {
		return err
	}

	// cue.Context is not safe for concurrent use.
	schemaMu.Lock()
	defer schemaMu.Unlock()

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		errs := cueerrors.Errors(err)
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("config schema violation: %s", strings.Join(msgs, "; "))
	}
	return nil
}
