// ABOUTME: Renders the boot-time payload handed to new machines
// ABOUTME: text/template over runtime config; default is a cloud-init /etc/environment append

package provider

import (
	"fmt"
	"os"
	"strings"
	"text/template"
)

// DefaultBootstrapTemplate appends each env value to /etc/environment via cloud-init.
const DefaultBootstrapTemplate = `#cloud-config
write_files:
  - path: /etc/environment
    append: true
    content: |
      MINECLOUD_INSTANCE_ID={{quote .InstanceID}}
{{- range $key, $value := .Env}}
      {{$key}}={{quote $value}}
{{- end}}
`

// BootstrapData is the template input.
type BootstrapData struct {
	InstanceID string
	Env        map[string]string
}

var bootstrapFuncs = template.FuncMap{
	"quote": shellQuote,
}

// shellQuote wraps s in single quotes so it survives a shell or env file.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// LoadBootstrapTemplate returns the template text at path, or the default for an empty path.
func LoadBootstrapTemplate(path string) (string, error) {
	if path == "" {
		return DefaultBootstrapTemplate, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading bootstrap template: %w", err)
	}
	return string(data), nil
}

// RenderBootstrap executes tmpl against data. Missing keys are errors, as are
// values with line breaks: each value must stay on its own environment line.
func RenderBootstrap(tmpl string, data BootstrapData) (string, error) {
	if strings.ContainsAny(data.InstanceID, "\r\n") {
		return "", fmt.Errorf("bootstrap instance id contains a line break")
	}
	for key, value := range data.Env {
		if strings.ContainsAny(key, "\r\n") || strings.ContainsAny(value, "\r\n") {
			return "", fmt.Errorf("bootstrap env %q contains a line break", key)
		}
	}

	t, err := template.New("bootstrap").
		Funcs(bootstrapFuncs).
		Option("missingkey=error").
		Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing bootstrap template: %w", err)
	}

	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering bootstrap template: %w", err)
	}
	return b.String(), nil
}
