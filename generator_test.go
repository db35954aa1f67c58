package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateGenerator(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
		missing  []string
	}{
		{"no placeholders", "plain text", nil, "plain text", nil},
		{"spaces inside braces", "{{ who }} says {{what}}", map[string]string{"who": "Ana", "what": "hi"}, "Ana says hi", nil},
		{"repeated name", "{{x}}+{{x}}", map[string]string{"x": "1"}, "1+1", nil},
		{"values are not re-expanded", "{{a}}", map[string]string{"a": "{{b}}"}, "{{b}}", nil},
		{"missing sorted and deduplicated", "{{z}} {{a}} {{z}}", nil, "", []string{"a", "z"}},
		{"unused variables are fine", "{{a}}", map[string]string{"a": "1", "b": "2"}, "1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := templateGenerator{}.Generate(context.Background(), GenerateRequest{Template: tt.template, Variables: tt.vars})
			if tt.missing != nil {
				var mv *MissingVariablesError
				require.ErrorAs(t, err, &mv)
				assert.Equal(t, tt.missing, mv.Names)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
