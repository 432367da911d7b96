package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

const postgresTemplate = `
name: postgres
version: "15"
provider: OpenStack
category: database
namespace: db-team
description: Managed PostgreSQL
deployment:
  kind: terraform
  scripts:
    variables.tf: |
      variable "admin_password" {}
  scriptFiles:
    - tf/main.tf
  variables:
    - name: admin_password
      kind: variable
      dataType: string
      mandatory: true
      sensitiveScope: once
      minLength: 8
    - name: region
      kind: fix_env
      dataType: string
      value: RegionOne
`

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "tf"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tf", "main.tf"), []byte(`resource "openstack_compute_instance_v2" "db" {}`), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "template.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	loader := NewLoader(NewVariableValidator())

	tmpl, err := loader.LoadFile(writeTemplate(t, postgresTemplate))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if tmpl.Provider != engine.ProviderOpenstack {
		t.Errorf("Provider = %q, want lowercased openstack", tmpl.Provider)
	}
	if tmpl.HostingType != engine.HostingTypeSelf {
		t.Errorf("HostingType = %q, want default self", tmpl.HostingType)
	}
	if tmpl.Deployment == nil || tmpl.Deployment.Kind != engine.DeployerKindTerraform {
		t.Fatalf("Deployment = %+v", tmpl.Deployment)
	}
	if len(tmpl.Deployment.Scripts) != 2 {
		t.Errorf("Scripts = %v, want inline and file script", tmpl.Deployment.Scripts)
	}
	if !strings.Contains(tmpl.Deployment.Scripts["main.tf"], "openstack_compute_instance_v2") {
		t.Errorf("main.tf not loaded: %q", tmpl.Deployment.Scripts["main.tf"])
	}
	if len(tmpl.Deployment.Variables) != 2 || !tmpl.Deployment.Variables[0].IsSensitive() {
		t.Errorf("Variables = %+v", tmpl.Deployment.Variables)
	}
}

func TestLoadRejectsInvalidTemplates(t *testing.T) {
	loader := NewLoader(NewVariableValidator())

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "unknown field",
			content: "name: x\nflavour: big\n",
			want:    []string{"flavour"},
		},
		{
			name: "missing deployment and namespace",
			content: `
name: redis
version: "7"
provider: huawei
category: cache
`,
			want: []string{"Namespace", "deployment"},
		},
		{
			name: "unsupported provider and duplicate variable",
			content: `
name: redis
version: "7"
provider: aws
category: cache
namespace: team
deployment:
  kind: opentofu
  scripts:
    main.tf: ""
  variables:
    - {name: size, kind: variable, dataType: number}
    - {name: size, kind: variable, dataType: number}
    - {name: zone, kind: fix_variable, dataType: string}
`,
			want: []string{"unsupported provider", "duplicate variable", "fixed variable has no value"},
		},
		{
			name: "bad deployer kind",
			content: `
name: redis
version: "7"
provider: huawei
category: cache
namespace: team
deployment:
  kind: pulumi
  scripts:
    main.tf: ""
`,
			want: []string{"Kind"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load([]byte(tt.content), t.TempDir())
			if err == nil {
				t.Fatal("expected error")
			}
			if engine.CodeOf(err) != engine.ErrCodeValidation {
				t.Errorf("code = %q, want validation", engine.CodeOf(err))
			}
			joined := strings.Join(engine.ViolationsOf(err), "\n")
			for _, w := range tt.want {
				if !strings.Contains(joined, w) {
					t.Errorf("violations %q do not mention %q", joined, w)
				}
			}
		})
	}
}

func TestLoadFileMissingScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.yaml")
	content := strings.Replace(postgresTemplate, "tf/main.tf", "tf/absent.tf", 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLoader(nil).LoadFile(path); err == nil {
		t.Fatal("expected error for missing script file")
	}
}
