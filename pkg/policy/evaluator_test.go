package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

const (
	noPublicIPPolicy = `package stackpilot.network

deny[msg] {
	change := input.resource_changes[_]
	change.type == "huaweicloud_vpc_eip"
	msg := sprintf("public ip %s is not allowed", [change.address])
}`

	flavorPolicy = `package stackpilot.sizing

deny[violation] {
	change := input.resource_changes[_]
	change.change.after.flavor == "xlarge"
	violation := {"message": "xlarge flavors need approval"}
}`

	allowAllPolicy = `package stackpilot.open

deny[msg] {
	false
	msg := "never"
}`
)

const testPlan = `{
	"format_version": "1.2",
	"resource_changes": [
		{"address": "huaweicloud_vpc_eip.eip[0]", "type": "huaweicloud_vpc_eip", "change": {"after": {}}},
		{"address": "huaweicloud_vpc_eip.eip[1]", "type": "huaweicloud_vpc_eip", "change": {"after": {}}},
		{"address": "huaweicloud_compute_instance.vm", "type": "huaweicloud_compute_instance", "change": {"after": {"flavor": "xlarge"}}}
	]
}`

func TestEvaluatorEvaluate(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	tests := []struct {
		name           string
		policies       []string
		plan           string
		wantViolations []string
	}{
		{
			name:     "no policies",
			policies: nil,
			plan:     testPlan,
		},
		{
			name:     "passing policy",
			policies: []string{allowAllPolicy},
			plan:     testPlan,
		},
		{
			name:     "string deny entries",
			policies: []string{noPublicIPPolicy},
			plan:     testPlan,
			wantViolations: []string{
				"stackpilot.network: public ip huaweicloud_vpc_eip.eip[0] is not allowed",
				"stackpilot.network: public ip huaweicloud_vpc_eip.eip[1] is not allowed",
			},
		},
		{
			name:     "violations aggregate across the batch",
			policies: []string{allowAllPolicy, noPublicIPPolicy, flavorPolicy},
			plan:     testPlan,
			wantViolations: []string{
				"stackpilot.network: public ip huaweicloud_vpc_eip.eip[0] is not allowed",
				"stackpilot.network: public ip huaweicloud_vpc_eip.eip[1] is not allowed",
				"stackpilot.sizing: xlarge flavors need approval",
			},
		},
		{
			name:           "plan without matching changes",
			policies:       []string{noPublicIPPolicy},
			plan:           `{"resource_changes": []}`,
			wantViolations: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(logger)
			err := e.Evaluate(context.Background(), tt.policies, tt.plan)

			if len(tt.wantViolations) == 0 {
				if err != nil {
					t.Fatalf("Evaluate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, engine.ErrPoliciesEvaluationFailed) {
				t.Fatalf("Evaluate() error = %v, want policies evaluation failure", err)
			}
			got := engine.ViolationsOf(err)
			if strings.Join(got, "|") != strings.Join(tt.wantViolations, "|") {
				t.Errorf("violations = %v, want %v", got, tt.wantViolations)
			}
		})
	}
}

func TestEvaluatorBrokenPolicyDenies(t *testing.T) {
	e := NewEvaluator(zerolog.New(nil).Level(zerolog.Disabled))

	err := e.Evaluate(context.Background(), []string{"package broken\ndeny[msg] {"}, testPlan)
	if !errors.Is(err, engine.ErrPoliciesEvaluationFailed) {
		t.Fatalf("Evaluate() error = %v, want policies evaluation failure", err)
	}

	err = e.Evaluate(context.Background(), []string{allowAllPolicy}, "not json")
	if !errors.Is(err, engine.ErrPoliciesEvaluationFailed) {
		t.Fatalf("Evaluate() with invalid plan error = %v", err)
	}
}

func TestEvaluatorCachesCompiledPolicies(t *testing.T) {
	e := NewEvaluator(zerolog.New(nil).Level(zerolog.Disabled))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = e.Evaluate(ctx, []string{noPublicIPPolicy, flavorPolicy}, testPlan)
	}

	if len(e.cache) != 2 {
		t.Errorf("cache size = %d, want 2", len(e.cache))
	}
}

func TestValidatePolicy(t *testing.T) {
	e := NewEvaluator(zerolog.New(nil).Level(zerolog.Disabled))

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid", noPublicIPPolicy, false},
		{"empty", "  ", true},
		{"syntax error", "package p\ndeny[msg] { input.x == }", true},
		{"no package", "deny[msg] { true }", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ValidatePolicy(context.Background(), tt.doc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePolicy() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, engine.ErrValidation) {
				t.Errorf("ValidatePolicy() error = %v, want validation error", err)
			}
		})
	}
}
