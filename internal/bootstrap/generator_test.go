package bootstrap

import (
	"encoding/base64"
	"strings"
	"testing"

	"dropletd/internal/models"
)

func testParams() Params {
	return Params{
		BackendURL: "https://dropletd.example.com",
		JobToken:   "job-alpha",
		Workloads: []models.Workload{
			{Image: "pytorch/pytorch:latest", Command: "python train.py"},
		},
	}
}

func TestRunnerScriptShape(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatal(err)
	}

	script, err := g.RunnerScript(testParams())
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"set -euo pipefail",
		"MAX_STARTUP_LINES=50",
		"NETWORK_WAIT_SECONDS=10",
		"/v1/jobs/resolve?name=",
		`head -n "$MAX_STARTUP_LINES"`,
		"STREAM_LOGS=false",
		"> /dev/null 2>&1",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("runner script missing %q", want)
		}
	}

	// The privacy boundary must come after the streamed startup run and
	// before exit.
	boundary := strings.Index(script, "STREAM_LOGS=false")
	startup := strings.Index(script, `head -n "$MAX_STARTUP_LINES"`)
	if boundary < startup {
		t.Error("privacy boundary precedes the startup run")
	}
}

func TestRunnerScriptQuotesMetacharacters(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatal(err)
	}

	p := testParams()
	p.Workloads = []models.Workload{{Image: `a'b`, Command: `c\d`}}

	script, err := g.RunnerScript(p)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(script, `$'a\'b'`) {
		t.Errorf("image not safely quoted:\n%s", script)
	}
	if !strings.Contains(script, `$'c\\d'`) {
		t.Errorf("command not safely quoted:\n%s", script)
	}
	if strings.Contains(script, "a'b") {
		t.Error("raw unescaped quote survived interpolation")
	}
}

func TestRunnerScriptGPUFlag(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatal(err)
	}

	p := testParams()
	p.GPU = true
	script, err := g.RunnerScript(p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, "--gpus all") {
		t.Error("GPU flag missing from docker run")
	}

	p.GPU = false
	script, err = g.RunnerScript(p)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(script, "--gpus all") {
		t.Error("GPU flag present without GPU")
	}
}

func TestRunnerScriptWorkloadOrder(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatal(err)
	}

	p := testParams()
	p.Workloads = []models.Workload{
		{Image: "first/image", Command: "one"},
		{Image: "second/image", Command: "two"},
	}

	script, err := g.RunnerScript(p)
	if err != nil {
		t.Fatal(err)
	}

	if strings.Index(script, "first/image") > strings.Index(script, "second/image") {
		t.Error("workloads rendered out of list order")
	}
}

func TestCloudInitEmbedsRunnerBase64(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatal(err)
	}

	p := testParams()
	doc, err := g.CloudInit(p)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(doc, "#cloud-config") {
		t.Fatal("missing cloud-config header")
	}

	runner, err := g.RunnerScript(p)
	if err != nil {
		t.Fatal(err)
	}
	b64 := base64.StdEncoding.EncodeToString([]byte(runner))
	if !strings.Contains(doc, b64) {
		t.Error("cloud-init does not embed the base64 runner")
	}
}

func TestRunnerScriptValidation(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.RunnerScript(Params{JobToken: "x"}); err == nil {
		t.Error("expected error for missing backend URL")
	}
	if _, err := g.RunnerScript(Params{BackendURL: "http://x"}); err == nil {
		t.Error("expected error for missing job token")
	}
}
