// Package bootstrap renders the shell script a droplet executes once at
// first boot, plus the cloud-init document that delivers it.
package bootstrap

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"

	"dropletd/internal/models"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	// maxStartupLines caps how much of each workload's first run is streamed
	// back. Startup diagnostics only; the real run is silent.
	maxStartupLines = 50

	// networkWaitSeconds is how long the runner sleeps before its first
	// network call, giving cloud-init networking time to settle.
	networkWaitSeconds = 10
)

// Params describes one droplet's boot configuration.
type Params struct {
	// BackendURL is the dropletd base URL reachable from the droplet.
	BackendURL string
	// JobToken identifies the job in ingest and resolve calls. The script is
	// rendered before the provider assigns a numeric id, so this is the
	// droplet name; the runner resolves it to the id at boot.
	JobToken  string
	Workloads []models.Workload
	GPU       bool
}

// Generator renders the embedded runner and cloud-init templates.
type Generator struct {
	templates *template.Template
}

// New parses the embedded templates.
func New() (*Generator, error) {
	t, err := template.New("bootstrap").Funcs(template.FuncMap{
		"shq": shellQuote,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse bootstrap templates: %w", err)
	}
	return &Generator{templates: t}, nil
}

// RunnerScript renders the boot runner for the given parameters.
func (g *Generator) RunnerScript(p Params) (string, error) {
	if p.BackendURL == "" {
		return "", fmt.Errorf("backend URL is required")
	}
	if p.JobToken == "" {
		return "", fmt.Errorf("job token is required")
	}

	data := struct {
		Params
		MaxStartupLines    int
		NetworkWaitSeconds int
	}{p, maxStartupLines, networkWaitSeconds}

	var buf bytes.Buffer
	if err := g.templates.ExecuteTemplate(&buf, "runner.sh.tmpl", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// CloudInit renders the cloud-config user data with the runner embedded
// base64, so YAML never sees script punctuation.
func (g *Generator) CloudInit(p Params) (string, error) {
	runner, err := g.RunnerScript(p)
	if err != nil {
		return "", err
	}

	data := struct {
		RunnerB64 string
	}{base64.StdEncoding.EncodeToString([]byte(runner))}

	var buf bytes.Buffer
	if err := g.templates.ExecuteTemplate(&buf, "cloudinit.yaml.tmpl", data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// shellQuote returns s as a bash $'...' literal with backslashes and single
// quotes escaped, safe to splice into the rendered script.
func shellQuote(s string) string {
	var b strings.Builder
	b.WriteString("$'")
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("'")
	return b.String()
}
