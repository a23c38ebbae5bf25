package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/caic-xyz/openjules/internal/model"
)

func TestResolveSandboxRootPrecedence(t *testing.T) {
	t.Setenv(envSandboxRoot, "")
	home := t.TempDir()
	t.Setenv("HOME", home)

	root, err := resolveSandboxRoot(model.ExecutionSettings{})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, ".openjules", "sandboxes")
	if root != want {
		t.Errorf("root = %q, want %q", root, want)
	}

	root, err = resolveSandboxRoot(model.ExecutionSettings{SandboxRoot: "/custom/root"})
	if err != nil {
		t.Fatal(err)
	}
	if root != "/custom/root" {
		t.Errorf("root = %q, want /custom/root", root)
	}

	t.Setenv(envSandboxRoot, "/env/root")
	root, err = resolveSandboxRoot(model.ExecutionSettings{SandboxRoot: "/custom/root"})
	if err != nil {
		t.Fatal(err)
	}
	if root != "/env/root" {
		t.Errorf("env override: root = %q, want /env/root", root)
	}
}

func TestResolveImagePrecedence(t *testing.T) {
	t.Setenv(envDockerImage, "")
	if got := resolveImage(model.ExecutionSettings{}); got != DefaultImage {
		t.Errorf("got %q, want default %q", got, DefaultImage)
	}
	if got := resolveImage(model.ExecutionSettings{Docker: model.DockerSettings{Image: "custom:tag"}}); got != "custom:tag" {
		t.Errorf("got %q, want custom:tag", got)
	}
	t.Setenv(envDockerImage, "envimage:latest")
	if got := resolveImage(model.ExecutionSettings{Docker: model.DockerSettings{Image: "custom:tag"}}); got != "envimage:latest" {
		t.Errorf("env override: got %q, want envimage:latest", got)
	}
}

func TestEscapeSingleQuotes(t *testing.T) {
	got := escapeSingleQuotes(`echo 'hi there'`)
	want := `echo '\''hi there'\''`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTranslateWorkdir(t *testing.T) {
	cases := map[string]string{
		"":            "/workspace/repo",
		"sub/dir":     "/workspace/repo/sub/dir",
		"/workspace/x": "/workspace/x",
	}
	for in, want := range cases {
		if got := translateWorkdir(in); got != want {
			t.Errorf("translateWorkdir(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHostPathRejectsEscape(t *testing.T) {
	inst := &Instance{WorkspaceDir: filepath.Join(os.TempDir(), "ws")}
	if _, err := inst.hostPath("../../etc/passwd"); err == nil {
		t.Fatal("expected escaping path to be rejected")
	}
	if _, err := inst.hostPath("src/main.go"); err != nil {
		t.Fatalf("expected in-tree path to be accepted, got %v", err)
	}
}
