package observability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentctl/internal/cluster"
)

func TestEncodeDecodeKey_RoundTrips(t *testing.T) {
	paths := []string{
		"Dockerfile",
		"src/main.py",
		"__pycache__/main.cpython-311.pyc",
		"a/b/c/d.txt",
	}
	for _, p := range paths {
		encoded := EncodeKey(p)
		assert.NotContains(t, encoded, "=")
		assert.NotContains(t, encoded, "+")
		assert.NotContains(t, encoded, "/")
		decoded, err := DecodeKey(encoded)
		require.NoError(t, err)
		assert.Equal(t, p, decoded)
	}
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f fakeDownloader) DownloadAgentTarball(ctx context.Context, agentName, version string) ([]byte, error) {
	return f.data, f.err
}

func makeTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestStage_PublishesConfigMapWhenTracingDisabled(t *testing.T) {
	data := makeTarball(t, map[string]string{
		"Dockerfile": "FROM scratch",
		"main.py":    "print('hi')",
	})
	driver := cluster.NewFakeDriver()
	stager := New(fakeDownloader{data: data}, driver, Config{InjectionEnabled: true, TracingEnabled: false})

	name, ok := stager.Stage(context.Background(), "myA", "1.0.0", "default")
	require.True(t, ok)
	assert.Contains(t, name, "agent-files-myA-")
	assert.Len(t, driver.ConfigMaps[name], 2)
}

func TestStage_FallsBackWhenInjectorRemovesDockerfile(t *testing.T) {
	data := makeTarball(t, map[string]string{
		"Dockerfile": "FROM scratch",
		"main.py":    "print('hi')",
	})
	driver := cluster.NewFakeDriver()
	removingInjector := filepath.Join(t.TempDir(), "remove-dockerfile.sh")
	require.NoError(t, os.WriteFile(removingInjector, []byte("#!/bin/sh\nrm -f \"$1/Dockerfile\"\n"), 0o755))

	stager := New(fakeDownloader{data: data}, driver, Config{
		InjectionEnabled: true,
		TracingEnabled:   true,
	})
	// Route the injector through a script that deletes the Dockerfile,
	// simulating the "injector corrupts/removes the Dockerfile" case.
	stager.injectorBinary = removingInjector

	_, ok := stager.Stage(context.Background(), "myA", "1.0.0", "default")
	assert.False(t, ok, "staging must report failure so the dispatcher falls back to uploaded files")
	assert.Empty(t, driver.ConfigMaps, "no config-map should be published on fallback")
}

func TestStage_DownloadFailureFallsBack(t *testing.T) {
	driver := cluster.NewFakeDriver()
	stager := New(fakeDownloader{err: assertError("boom")}, driver, Config{InjectionEnabled: true})
	_, ok := stager.Stage(context.Background(), "myA", "1.0.0", "default")
	assert.False(t, ok)
}

type assertError string

func (e assertError) Error() string { return string(e) }
