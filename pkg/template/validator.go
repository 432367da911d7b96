package template

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// VariableValidator checks request properties against the declared
// variables of a template. Each variable is compiled into a CUE constraint
// and the property value is unified with it.
type VariableValidator struct {
	mu  sync.Mutex
	ctx *cue.Context
}

var _ engine.PropertyValidator = (*VariableValidator)(nil)

// NewVariableValidator creates a validator with its own CUE context.
func NewVariableValidator() *VariableValidator {
	return &VariableValidator{ctx: cuecontext.New()}
}

// Validate returns a validation error listing every violation, or nil.
// Only variables a requester supplies are checked. Properties that match no
// declared variable are ignored.
func (v *VariableValidator) Validate(variables []engine.DeployVariable, properties map[string]any) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var violations []string
	for _, variable := range variables {
		if !userSupplied(variable) {
			continue
		}
		value, ok := properties[variable.Name]
		if !ok || value == nil {
			if variable.Mandatory {
				violations = append(violations, fmt.Sprintf("%s: required property is missing", variable.Name))
			}
			continue
		}

		schema, err := v.compile(variable)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: invalid declaration: %s", variable.Name, firstError(err)))
			continue
		}

		encoded := v.ctx.Encode(normalize(value))
		if err := encoded.Err(); err != nil {
			violations = append(violations, fmt.Sprintf("%s: %s", variable.Name, firstError(err)))
			continue
		}
		if err := schema.Unify(encoded).Validate(cue.Concrete(true)); err != nil {
			violations = append(violations, fmt.Sprintf("%s: %s", variable.Name, firstError(err)))
		}
	}

	if len(violations) == 0 {
		return nil
	}
	sort.Strings(violations)
	return engine.NewValidationError("variable validation failed", violations)
}

// CheckDeclarations compiles the constraint of every variable and reports
// declarations that cannot be compiled, such as an invalid pattern.
func (v *VariableValidator) CheckDeclarations(variables []engine.DeployVariable) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var problems []string
	for _, variable := range variables {
		if _, err := v.compile(variable); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %s", variable.Name, firstError(err)))
			continue
		}
		if variable.Pattern != "" {
			if _, err := regexp.Compile(variable.Pattern); err != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid pattern: %v", variable.Name, err))
			}
		}
	}
	return problems
}

func (v *VariableValidator) compile(variable engine.DeployVariable) (cue.Value, error) {
	expr := Constraint(variable)
	src := expr
	if strings.Contains(expr, "strings.") {
		src = "import \"strings\"\n" + expr
	}
	val := v.ctx.CompileString(src, cue.Filename(variable.Name+".cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, err
	}
	return val, nil
}

// Constraint renders the CUE expression a variable's value must satisfy.
func Constraint(variable engine.DeployVariable) string {
	var parts []string

	switch variable.DataType {
	case engine.DataTypeNumber:
		parts = append(parts, "number")
		if variable.Minimum != nil {
			parts = append(parts, ">="+formatNumber(*variable.Minimum))
		}
		if variable.Maximum != nil {
			parts = append(parts, "<="+formatNumber(*variable.Maximum))
		}
		if len(variable.Enum) > 0 {
			parts = append(parts, "("+strings.Join(variable.Enum, " | ")+")")
		}
	case engine.DataTypeBoolean:
		parts = append(parts, "bool")
	default:
		parts = append(parts, "string")
		if variable.MinLength != nil {
			parts = append(parts, fmt.Sprintf("strings.MinRunes(%d)", *variable.MinLength))
		}
		if variable.MaxLength != nil {
			parts = append(parts, fmt.Sprintf("strings.MaxRunes(%d)", *variable.MaxLength))
		}
		if variable.Pattern != "" {
			parts = append(parts, "=~"+strconv.Quote(variable.Pattern))
		}
		if len(variable.Enum) > 0 {
			quoted := make([]string, len(variable.Enum))
			for i, e := range variable.Enum {
				quoted[i] = strconv.Quote(e)
			}
			parts = append(parts, "("+strings.Join(quoted, " | ")+")")
		}
	}

	return strings.Join(parts, " & ")
}

func userSupplied(variable engine.DeployVariable) bool {
	return variable.Kind == engine.VariableKindVariable || variable.Kind == engine.VariableKindEnv
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// normalize turns integral floats into ints. JSON numbers decode as float64
// and CUE keeps int and float literals apart in disjunctions.
func normalize(value any) any {
	if f, ok := value.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return value
}

func firstError(err error) string {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	return errs[0].Error()
}
