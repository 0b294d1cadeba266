package dockerlocal

import (
	"context"
	"strings"
	"testing"

	"github.com/astraforge/sandbox-core/internal/astra/cmdrunner"
	"github.com/astraforge/sandbox-core/internal/astra/model"
	"github.com/astraforge/sandbox-core/internal/astra/runtime"
)

// newDryRunAdapter builds an Adapter backed by a dry-run cmdrunner.Runner, so
// Provision/Exec/Archive can be exercised without a real Docker daemon. The
// Docker API client is only touched on paths this package's dry-run mode
// never reaches (conflict recovery, inspect, stats, terminate).
func newDryRunAdapter(t *testing.T, opts Options) *Adapter {
	t.Helper()
	a, err := New(opts, cmdrunner.New(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAdapter_Backend(t *testing.T) {
	a := newDryRunAdapter(t, Options{})
	if a.Backend() != model.BackendLocal {
		t.Fatalf("Backend() = %v, want local", a.Backend())
	}
}

func TestContainerName_IsDeterministic(t *testing.T) {
	a := containerName("sess-1")
	b := containerName("sess-1")
	if a != b {
		t.Fatalf("containerName is not deterministic: %q vs %q", a, b)
	}
	if containerName("sess-2") == a {
		t.Fatal("different session ids should not collide")
	}
	if !strings.HasPrefix(a, "sandbox-") {
		t.Fatalf("containerName = %q, want sandbox- prefix", a)
	}
}

func TestAdapter_Provision_SucceedsInDryRun(t *testing.T) {
	a := newDryRunAdapter(t, Options{Network: "astraforge-net", User: "1000:1000", ReadOnlyRoot: true, PidsLimit: 256})
	desc := model.RuntimeDescriptor{
		Image:  "astraforge/sandbox:latest",
		Limits: model.ResourceLimits{CPU: 1.5, MemoryBytes: 1 << 30},
	}
	h, err := a.Provision(context.Background(), "sess-1", desc)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if !strings.HasPrefix(h.BackendRef, "local://sandbox-") {
		t.Fatalf("BackendRef = %q, want local://sandbox-* form", h.BackendRef)
	}
}

func TestAdapter_Exec_BuildsShCWrapper(t *testing.T) {
	a := newDryRunAdapter(t, Options{})
	h := &runtime.Handle{BackendRef: "local://sandbox-abc123"}
	res, err := a.Exec(context.Background(), h, runtime.ExecRequest{Command: []string{"echo", "hi"}, WorkDir: "/workspace"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0 from the dry-run runner", res.ExitCode)
	}
}

func TestAdapter_Archive_SucceedsInDryRun(t *testing.T) {
	a := newDryRunAdapter(t, Options{})
	h := &runtime.Handle{BackendRef: "local://sandbox-abc123"}
	rc, err := a.Archive(context.Background(), h, []string{"/workspace"}, []string{"/workspace/.cache"})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	defer rc.Close()
}

func TestAdapter_Terminate_NilHandleIsNoop(t *testing.T) {
	a := newDryRunAdapter(t, Options{})
	if err := a.Terminate(context.Background(), nil); err != nil {
		t.Fatalf("Terminate(nil) = %v, want nil", err)
	}
	if err := a.Terminate(context.Background(), &runtime.Handle{}); err != nil {
		t.Fatalf("Terminate(empty ref) = %v, want nil", err)
	}
}

func TestIsNameConflict(t *testing.T) {
	cases := map[string]bool{
		`docker: Error response from daemon: Conflict. The container name "/sandbox-abc" is already in use by container "xyz".`: true,
		"some other docker error": false,
	}
	for input, want := range cases {
		if got := isNameConflict(input); got != want {
			t.Errorf("isNameConflict(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestShellQuote_EscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's fine")
	want := `'it'\''s fine'`
	if got != want {
		t.Fatalf("shellQuote = %q, want %q", got, want)
	}
}

func TestNonZero(t *testing.T) {
	if got := nonZero(0, 512); got != 512 {
		t.Fatalf("nonZero(0, 512) = %d, want 512", got)
	}
	if got := nonZero(-1, 512); got != 512 {
		t.Fatalf("nonZero(-1, 512) = %d, want 512", got)
	}
	if got := nonZero(128, 512); got != 128 {
		t.Fatalf("nonZero(128, 512) = %d, want 128", got)
	}
}

func TestNameFromRef(t *testing.T) {
	if got := nameFromRef("local://sandbox-abc"); got != "sandbox-abc" {
		t.Fatalf("nameFromRef = %q, want sandbox-abc", got)
	}
}
