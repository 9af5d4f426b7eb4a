package kernelmanager

import (
	"os"
	"path/filepath"
	"testing"

	"karl/internal/kernelspec"

	"github.com/stretchr/testify/require"
)

func TestBuildArgvSubstitution(t *testing.T) {
	spec := kernelspec.Spec{
		Argv:        []string{"/usr/bin/thing", "kernel", "-f", "{connection_file}", "--res={resource_dir}"},
		ResourceDir: "/opt/kernels/thing",
	}
	argv, err := buildArgv(spec, "/run/conn.json", []string{"--debug"})
	require.NoError(t, err)
	require.Equal(t, []string{
		"/usr/bin/thing", "kernel", "-f", "/run/conn.json", "--res=/opt/kernels/thing", "--debug",
	}, argv)
}

func TestBuildArgvResolvesHostInterpreter(t *testing.T) {
	spec := kernelspec.Spec{Argv: []string{"karl", "kernel", "{connection_file}"}}
	argv, err := buildArgv(spec, "/run/conn.json", nil)
	require.NoError(t, err)

	self, err := os.Executable()
	require.NoError(t, err)
	require.Equal(t, self, argv[0])
	require.True(t, filepath.IsAbs(argv[0]))
}

func TestBuildArgvLeavesOtherInterpretersAlone(t *testing.T) {
	spec := kernelspec.Spec{Argv: []string{"python3", "-m", "thing"}}
	argv, err := buildArgv(spec, "/run/conn.json", nil)
	require.NoError(t, err)
	require.Equal(t, "python3", argv[0])
}

func TestBuildArgvEmpty(t *testing.T) {
	_, err := buildArgv(kernelspec.Spec{}, "/run/conn.json", nil)
	require.ErrorContains(t, err, "empty argv")
}

func TestMergeEnvLayering(t *testing.T) {
	merged := mergeEnv(
		[]string{"A=base", "B=base"},
		map[string]string{"B": "spec", "C": "spec"},
		map[string]string{"C": "start"},
	)
	got := map[string]string{}
	for _, kv := range merged {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				got[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	require.Equal(t, "base", got["A"])
	require.Equal(t, "spec", got["B"])
	require.Equal(t, "start", got["C"])
}

func TestReadyFuture(t *testing.T) {
	r := newReady()
	require.False(t, r.Signaled())
	r.fire(nil)
	require.True(t, r.Signaled())
	require.NoError(t, r.Wait(t.Context()))
}
