package config

import (
	"testing"
)

func TestResolveVersion(t *testing.T) {
	input := map[string]any{
		"name":   "demo",
		"target": "1.21.4",
		"packs":  map[string]any{"base": "2.0.1"},
	}

	tests := []struct {
		name    string
		version string
		env     map[string]string
		want    string
		wantErr bool
	}{
		{
			name:    "empty",
			version: "",
			want:    "",
		},
		{
			name:    "plain number",
			version: "1.0",
			want:    "1.0",
		},
		{
			name:    "integer",
			version: "3",
			want:    "3",
		},
		{
			name:    "static with suffix",
			version: "v1.2.3-alpha",
			want:    "v1.2.3-alpha",
		},
		{
			name:    "env var with ${} syntax",
			version: "${PACK_VERSION}",
			env:     map[string]string{"PACK_VERSION": "build-123"},
			want:    "build-123",
		},
		{
			name:    "env var not set",
			version: "$UNSET_PACK_VERSION",
			want:    "",
		},
		{
			name:    "input reference",
			version: "input.packs.base",
			want:    "2.0.1",
		},
		{
			name:    "concat with input",
			version: `concat("-", [input.name, input.target])`,
			want:    "demo-1.21.4",
		},
		{
			name:    "arithmetic",
			version: "1 + 1",
			want:    "2",
		},
		{
			name:    "template string",
			version: `$"{input.name}-{input.target}"`,
			want:    "demo-1.21.4",
		},
		{
			name:    "undefined",
			version: "input.packs.missing",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := ResolveVersion(t.Context(), tt.version, input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveVersion() error = %v, wantErr %v", err, tt.wantErr)
			}

			if got != tt.want {
				t.Errorf("ResolveVersion() = %v, want %v", got, tt.want)
			}
		})
	}
}
