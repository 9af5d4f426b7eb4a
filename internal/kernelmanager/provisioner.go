package kernelmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"karl/internal/connfile"
	"karl/internal/kernelspec"

	"github.com/gofrs/uuid"
)

// Provisioner spawns and supervises the kernel subprocess. There is
// exactly one, local, provisioner; no plug-in ecosystem.
type Provisioner interface {
	// Launch starts the kernel process for spec, with env merged into its
	// environment and cwd as its working directory, and returns the running
	// process handle. It does not return connection info; the caller's info,
	// already written to connFilePath, is the one the kernel is launched with.
	Launch(ctx context.Context, spec kernelspec.Spec, connFilePath string, info connfile.Info, env map[string]string, cwd string, extraArgs []string) (*exec.Cmd, error)
}

// LocalProvisioner launches kernels as subprocesses on the local host,
// targeting this binary's own `kernel` subcommand (package kernel) for
// specs whose argv names the host interpreter.
type LocalProvisioner struct{}

// hostInterpreterNames are bare argv[0] tokens LocalProvisioner resolves to
// its own executable path, since this repository is both the notebook
// server and the one language runtime it ships kernels for.
var hostInterpreterNames = map[string]bool{
	"karl": true,
}

func (LocalProvisioner) Launch(ctx context.Context, spec kernelspec.Spec, connFilePath string, info connfile.Info, env map[string]string, cwd string, extraArgs []string) (*exec.Cmd, error) {
	argv, err := buildArgv(spec, connFilePath, extraArgs)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), spec.Env, env)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("kernelmanager: provisioner launch: %w", err)
	}
	return cmd, nil
}

// buildArgv substitutes {connection_file}, {resource_dir}, and extraArgs
// into spec.Argv, and resolves a bare
// host-interpreter argv[0] to this process's own executable.
func buildArgv(spec kernelspec.Spec, connFilePath string, extraArgs []string) ([]string, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("kernelmanager: kernel spec %q has empty argv", spec.DisplayName)
	}
	argv := make([]string, 0, len(spec.Argv)+len(extraArgs))
	for _, tok := range spec.Argv {
		tok = strings.ReplaceAll(tok, "{connection_file}", connFilePath)
		tok = strings.ReplaceAll(tok, "{resource_dir}", spec.ResourceDir)
		argv = append(argv, tok)
	}
	argv = append(argv, extraArgs...)

	if !strings.ContainsRune(argv[0], os.PathSeparator) && hostInterpreterNames[argv[0]] {
		if self, err := os.Executable(); err == nil {
			argv[0] = self
		}
	}
	return argv, nil
}

func mergeEnv(base []string, layers ...map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// newKey generates a fresh HMAC key for a connection file.
func newKey() string {
	id, err := uuid.NewV4()
	if err != nil {
		return ""
	}
	return id.String()
}

// runtimeDir returns the directory connection files are written under,
// honoring KARL_RUNTIME_DIR.
func runtimeDir() string {
	if d := os.Getenv("KARL_RUNTIME_DIR"); d != "" {
		return d
	}
	return filepath.Join(os.TempDir(), "karl-runtime")
}
