/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package manifest renders ops-repo manifest templates into the
// multi-document text the orchestrator applier consumes. Rendering is
// pure: the same template and context always produce the same output.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	apperrors "github.com/forgebase/platform/internal/errors"
)

// Context is the rendering input: fixed fields every deployment
// carries, plus a free-form value tree. The reconciler fills Values
// with the deployment's values_override as stored; no repo-provided
// defaults are merged into it.
type Context struct {
	ImageRef    string
	Project     string
	Environment string
	Values      map[string]any
}

// Renderer renders a named template file against a Context.
type Renderer struct {
	funcs template.FuncMap
}

// New builds a Renderer with the platform's fixed helper functions.
func New() *Renderer {
	return &Renderer{funcs: helperFuncs()}
}

// RenderFile reads the template at path, renders it against ctx, and
// validates the output as a sequence of YAML documents before joining
// them with "---". An undefined top-level variable is a render error,
// never a silently-empty substitution.
func (r *Renderer) RenderFile(path string, ctx Context) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeValidation, "failed to read manifest template %s", path)
	}
	return r.Render(string(raw), ctx)
}

// Render renders templateText against ctx.
func (r *Renderer) Render(templateText string, ctx Context) (string, error) {
	tmpl, err := template.New("manifest").
		Option("missingkey=error").
		Funcs(r.funcs).
		Parse(templateText)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "failed to parse manifest template")
	}

	merged := map[string]any{
		"ImageRef":    ctx.ImageRef,
		"Project":     ctx.Project,
		"Environment": ctx.Environment,
		"Values":      ctx.Values,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, merged); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "manifest template references an undefined variable")
	}

	return joinValidated(buf.String())
}

// joinValidated splits rendered on the YAML document separator,
// parses each non-blank section to confirm it is well-formed YAML,
// and rejoins them with the canonical "---\n" separator.
func joinValidated(rendered string) (string, error) {
	sections := strings.Split(rendered, "\n---")
	var docs []string
	for _, section := range sections {
		trimmed := strings.TrimSpace(section)
		if trimmed == "" {
			continue
		}
		var probe any
		if err := yaml.Unmarshal([]byte(trimmed), &probe); err != nil {
			return "", apperrors.Wrap(err, apperrors.ErrorTypeValidation, "rendered manifest document is not valid YAML")
		}
		docs = append(docs, trimmed)
	}
	if len(docs) == 0 {
		return "", apperrors.NewValidationError("rendered manifest contains no documents")
	}
	return strings.Join(docs, "\n---\n") + "\n", nil
}

// helperFuncs is the explicit FuncMap standing in for a sprig-style
// helper library: the corpus has no Masterminds/sprig dependency, so
// the renderer ships only the handful of helpers manifest templates
// actually need.
func helperFuncs() template.FuncMap {
	return template.FuncMap{
		"default": func(def, val any) any {
			if val == nil || val == "" {
				return def
			}
			return val
		},
		"quote": func(s any) string {
			return fmt.Sprintf("%q", fmt.Sprint(s))
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
	}
}
