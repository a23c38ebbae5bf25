// Package sandbox implements the Sandbox Driver (C1): per-mission container
// provisioning, foreground/background command execution, and teardown.
// Follows a thin CLI-wrapping idiom for container operations (driving
// `docker` via os/exec.CommandContext with buffered stderr and wrapped
// errors), enriched with the fuller container lifecycle (resource limits,
// streamed exec, background-process protocol) a docker-exec sandbox
// executor needs.
package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caic-xyz/openjules/internal/apierr"
	"github.com/caic-xyz/openjules/internal/model"
)

const (
	// DefaultImage is used when no execution.docker.image setting or
	// OPENJULES_DOCKER_IMAGE override is present (§6).
	DefaultImage = "node:20-bookworm-slim"

	// DefaultBackgroundTimeoutMs is BackgroundCommand's default timeout
	// (§4.1).
	DefaultBackgroundTimeoutMs = 120_000

	gitAuthorEmail = "openjules@local"
	gitAuthorName  = "OpenJules"
)

// LogChunk is one forwarded slice of command output.
type LogChunk struct {
	Stream string // "stdout" or "stderr"
	Data   string
}

// CommandResult is the outcome of a foreground or background exec.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// SpawnRequest carries everything Spawn needs to provision an Instance.
type SpawnRequest struct {
	MissionID string
	ProjectID string
	JobID     string
	Settings  model.ExecutionSettings
}

// sandboxRootEnv and friends mirror the environment variables from §6.
const (
	envSandboxRoot    = "OPENJULES_SANDBOX_ROOT"
	envSandboxPersist = "OPENJULES_SANDBOX_PERSIST"
	envDockerImage    = "OPENJULES_DOCKER_IMAGE"
	envDockerSocket   = "DOCKER_SOCKET_PATH"
)

// DefaultDockerSocket is used when DOCKER_SOCKET_PATH is unset.
const DefaultDockerSocket = "/var/run/docker.sock"

// Driver provisions and tears down per-mission sandboxes. The default
// implementation shells out to the `docker` CLI, the same pattern the
// teacher's container.Ops uses for the `md` CLI.
type Driver struct {
	dockerBin string
}

// New returns a Driver that invokes the docker CLI found on PATH.
func New() *Driver {
	return &Driver{dockerBin: "docker"}
}

// resolveSandboxRoot implements the root-resolution precedence from §6:
// OPENJULES_SANDBOX_ROOT env > settings > <home>/.openjules/sandboxes.
func resolveSandboxRoot(settings model.ExecutionSettings) (string, error) {
	if v := os.Getenv(envSandboxRoot); v != "" {
		return v, nil
	}
	if settings.SandboxRoot != "" {
		return settings.SandboxRoot, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve sandbox root: %w", err)
	}
	return filepath.Join(home, ".openjules", "sandboxes"), nil
}

func resolvePersist(settings model.ExecutionSettings) bool {
	if v := os.Getenv(envSandboxPersist); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return settings.PersistSandbox
}

func resolveImage(settings model.ExecutionSettings) string {
	if v := os.Getenv(envDockerImage); v != "" {
		return v
	}
	if settings.Docker.Image != "" {
		return settings.Docker.Image
	}
	return DefaultImage
}

func resolveSocket() string {
	if v := os.Getenv(envDockerSocket); v != "" {
		return v
	}
	return DefaultDockerSocket
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Instance is a live per-mission container plus its host-side workspace.
type Instance struct {
	ContainerID string
	SandboxDir  string // host path: <root>/sandbox-<missionId>-<hex>-<hex>
	WorkspaceDir string // host path: SandboxDir/repo
	Image       string

	driver  *Driver
	persist bool
	logSink func(LogChunk)
	shell   string
}

// Spawn provisions a fresh per-mission container (§4.1 Spawn).
func (d *Driver) Spawn(ctx context.Context, req SpawnRequest) (*Instance, error) {
	root, err := resolveSandboxRoot(req.Settings)
	if err != nil {
		return nil, apierr.SandboxFatal(err.Error())
	}
	dirName := fmt.Sprintf("sandbox-%s-%s-%s", req.MissionID, randHex(4), randHex(4))
	sandboxDir := filepath.Join(root, dirName)
	workspaceDir := filepath.Join(sandboxDir, "repo")
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, apierr.SandboxFatal("create workspace: " + err.Error())
	}

	image := resolveImage(req.Settings)
	if err := d.ensureImage(ctx, image); err != nil {
		return nil, apierr.SandboxFatal("pull image: " + err.Error()).Wrap(err)
	}

	args := []string{"create",
		"-v", sandboxDir + ":/workspace",
		"-w", "/workspace",
	}
	if cpu := req.Settings.Docker.CPULimit; cpu > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cpu, 'f', -1, 64))
	}
	if mem := req.Settings.Docker.MemLimitMb; mem > 0 {
		args = append(args, "--memory", strconv.Itoa(mem)+"m")
	}
	if pids := req.Settings.Docker.PidsLimit; pids > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(pids))
	}
	if net := req.Settings.Docker.NetworkMode; net != "" {
		args = append(args, "--network", net)
	}
	args = append(args, image, "tail", "-f", "/dev/null")

	out, err := d.run(ctx, args...)
	if err != nil {
		return nil, apierr.SandboxFatal("create container: " + err.Error()).Wrap(err)
	}
	containerID := strings.TrimSpace(out)

	if _, err := d.run(ctx, "start", containerID); err != nil {
		return nil, apierr.SandboxFatal("start container: " + err.Error()).Wrap(err)
	}

	inst := &Instance{
		ContainerID:  containerID,
		SandboxDir:   sandboxDir,
		WorkspaceDir: workspaceDir,
		Image:        image,
		driver:       d,
		persist:      resolvePersist(req.Settings),
	}
	slog.Info("sandbox spawned", "mission", req.MissionID, "container", containerID, "image", image)
	return inst, nil
}

// ensureImage pulls image if it is not already present locally.
func (d *Driver) ensureImage(ctx context.Context, image string) error {
	if _, err := d.run(ctx, "image", "inspect", image); err == nil {
		return nil
	}
	_, err := d.run(ctx, "pull", image)
	return err
}

// run executes the docker CLI, returning stdout and a wrapped error that
// includes stderr on failure, mirroring container.Ops's CLI-wrapping style.
func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.dockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// StreamLogs registers the single sink Command/BackgroundCommand forward
// output chunks to (§4.1 StreamLogs).
func (i *Instance) StreamLogs(sink func(LogChunk)) {
	i.logSink = sink
}

func (i *Instance) emit(stream, data string) {
	if i.logSink != nil && data != "" {
		i.logSink(LogChunk{Stream: stream, Data: data})
	}
}

// detectShell prefers bash, falling back to sh (§4.1 Init).
func (i *Instance) detectShell(ctx context.Context) (string, error) {
	if _, err := i.driver.run(ctx, "exec", i.ContainerID, "sh", "-lc", "command -v bash"); err == nil {
		return "bash", nil
	}
	if _, err := i.driver.run(ctx, "exec", i.ContainerID, "sh", "-lc", "command -v sh"); err == nil {
		return "sh", nil
	}
	return "", fmt.Errorf("no shell found in container")
}

// Init prepares the workspace: shell detection, best-effort tooling, and
// git init with the OpenJules author identity (§4.1 Init). A non-zero exit
// from git init is fatal.
func (i *Instance) Init(ctx context.Context) error {
	shell, err := i.detectShell(ctx)
	if err != nil {
		return apierr.SandboxFatal(err.Error())
	}
	i.shell = shell

	// Best-effort tooling install; failures here are logged, not fatal.
	for _, installer := range []string{
		"command -v apk >/dev/null 2>&1 && apk add --no-cache git curl wget procps >/dev/null 2>&1",
		"command -v apt-get >/dev/null 2>&1 && apt-get update >/dev/null 2>&1 && apt-get install -y git curl wget procps >/dev/null 2>&1",
	} {
		if _, err := i.driver.run(ctx, "exec", i.ContainerID, shell, "-lc", installer); err != nil {
			slog.Debug("sandbox init: best-effort tooling install skipped", "container", i.ContainerID, "err", err)
		}
	}

	initCmd := fmt.Sprintf(
		`cd /workspace/repo && git init >/dev/null && git config user.email %q && git config user.name %q`,
		gitAuthorEmail, gitAuthorName)
	if _, err := i.driver.run(ctx, "exec", i.ContainerID, shell, "-lc", initCmd); err != nil {
		return apierr.SandboxFatal("git init failed: " + err.Error())
	}
	slog.Info("sandbox ready", "container", i.ContainerID, "image", i.Image, "shell", shell)
	return nil
}

// shell is cached by Init; exported methods fall back to "sh" if Init was
// never called (defensive, should not happen in normal operation).
func (i *Instance) shellOrDefault() string {
	if i.shell == "" {
		return "sh"
	}
	return i.shell
}

// Teardown stops and removes the container (grace 1s), and — unless the
// caller's settings requested persistence — recursively deletes the
// workspace (§4.1 Teardown).
func (i *Instance) Teardown(ctx context.Context) error {
	if i.ContainerID != "" {
		if _, err := i.driver.run(ctx, "stop", "--time", "1", i.ContainerID); err != nil {
			slog.Warn("sandbox teardown: stop failed, forcing removal", "container", i.ContainerID, "err", err)
		}
		if _, err := i.driver.run(ctx, "rm", "-f", i.ContainerID); err != nil {
			slog.Warn("sandbox teardown: rm failed", "container", i.ContainerID, "err", err)
		}
	}
	if !i.persist && i.SandboxDir != "" {
		if err := os.RemoveAll(i.SandboxDir); err != nil {
			slog.Warn("sandbox teardown: failed to remove workspace", "dir", i.SandboxDir, "err", err)
		}
	}
	return nil
}

// WriteFile writes data to a path relative to the workspace, on the
// host-side mount (§4.1 convenience accessors).
func (i *Instance) WriteFile(relPath string, data []byte) error {
	full, err := i.hostPath(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

// ReadFile reads a path relative to the workspace, on the host-side mount.
func (i *Instance) ReadFile(relPath string) ([]byte, error) {
	full, err := i.hostPath(relPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// maxFileTreeEntries bounds ListFiles so a huge checkout can't blow up a
// prompt budget; §4.3's file-tree context is a hint, not a full listing.
const maxFileTreeEntries = 200

// ListFiles walks the host-side workspace mount and returns paths relative
// to the workspace root, skipping .git, capped at maxFileTreeEntries.
func (i *Instance) ListFiles() ([]string, error) {
	var out []string
	err := filepath.WalkDir(i.WorkspaceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == i.WorkspaceDir {
			return nil
		}
		rel, err := filepath.Rel(i.WorkspaceDir, path)
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if len(out) >= maxFileTreeEntries {
			return filepath.SkipAll
		}
		if d.IsDir() {
			rel += "/"
		}
		out = append(out, rel)
		return nil
	})
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return out, nil
}

// hostPath resolves relPath against the workspace dir, rejecting any path
// that escapes the repo root (§6: "Paths containing .. that escape the repo
// root MUST be rejected").
func (i *Instance) hostPath(relPath string) (string, error) {
	full := filepath.Join(i.WorkspaceDir, relPath)
	rel, err := filepath.Rel(i.WorkspaceDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes workspace root: %q", relPath)
	}
	return full, nil
}

// CreatePatch runs `git diff --no-color -- .` and returns stdout.
func (i *Instance) CreatePatch(ctx context.Context) (string, error) {
	shell := i.shellOrDefault()
	out, err := i.driver.run(ctx, "exec", "-w", "/workspace/repo", i.ContainerID, shell, "-lc", "git diff --no-color -- .")
	if err != nil {
		return "", err
	}
	return out, nil
}

func translateWorkdir(workdir string) string {
	if workdir == "" {
		return "/workspace/repo"
	}
	if strings.HasPrefix(workdir, "/workspace") {
		return workdir
	}
	return filepath.Join("/workspace/repo", workdir)
}

// Command execs a foreground command with a timeout, demultiplexing
// stdout/stderr and forwarding chunks to the log stream (§4.1 Command).
// Exec errors never abort the mission: they come back as exitCode=-1 with
// the error text in stderr, letting the Step Executor decide.
func (i *Instance) Command(ctx context.Context, cmd, workdir string, timeoutMs int) CommandResult {
	if timeoutMs <= 0 {
		timeoutMs = model.DefaultStepTimeoutMs
	}
	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	shell := i.shellOrDefault()
	dockerArgs := []string{"exec", "-w", translateWorkdir(workdir), i.ContainerID, shell, "-lc", cmd}
	ecmd := exec.CommandContext(cctx, i.driver.dockerBin, dockerArgs...)

	stdoutPipe, err := ecmd.StdoutPipe()
	if err != nil {
		return CommandResult{ExitCode: -1, Stderr: err.Error()}
	}
	stderrPipe, err := ecmd.StderrPipe()
	if err != nil {
		return CommandResult{ExitCode: -1, Stderr: err.Error()}
	}

	var stdout, stderr bytes.Buffer
	if err := ecmd.Start(); err != nil {
		return CommandResult{ExitCode: -1, Stderr: err.Error()}
	}
	done := make(chan struct{}, 2)
	go i.pump(stdoutPipe, &stdout, "stdout", done)
	go i.pump(stderrPipe, &stderr, "stderr", done)
	<-done
	<-done

	exitCode := 0
	if err := ecmd.Wait(); err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			stderr.WriteString("\n" + err.Error())
		}
	}
	return CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}
}

func (i *Instance) pump(r io.Reader, buf *bytes.Buffer, stream string, done chan<- struct{}) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			i.emit(stream, string(chunk[:n]))
		}
		if err != nil {
			break
		}
	}
	done <- struct{}{}
}
