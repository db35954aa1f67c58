package main

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Template  string            `json:"template" validate:"required,max=20000"`
	Variables map[string]string `json:"variables"`
}

// Generator turns a prompt template into text. Model-backed implementations
// live outside this service.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// MissingVariablesError lists the placeholders a request did not supply.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("missing variables: %s", strings.Join(e.Names, ", "))
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// templateGenerator fills {{name}} placeholders from the request's variables.
type templateGenerator struct{}

func (templateGenerator) Generate(_ context.Context, req GenerateRequest) (string, error) {
	missing := map[string]struct{}{}
	out := placeholder.ReplaceAllStringFunc(req.Template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := req.Variables[name]
		if !ok {
			missing[name] = struct{}{}
			return m
		}
		return v
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", &MissingVariablesError{Names: names}
	}
	return out, nil
}
