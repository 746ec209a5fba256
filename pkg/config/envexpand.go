package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go
// templates. Uses {{.VAR_NAME}} syntax so literal $ characters in prompt
// templates and regex-like strings survive untouched.
//
// Examples:
//   - {{.OPENAI_API_KEY}} → value of OPENAI_API_KEY
//   - {{.HOST}}:{{.PORT}} → hostname:port with both variables expanded
//
// Missing variables expand to the empty string; validation catches required
// fields that end up empty. On parse or execution errors the original data
// is returned unchanged so the YAML parser can produce a clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}
