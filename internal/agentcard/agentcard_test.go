package agentcard

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	data []byte
	err  error
}

func (f fakeDownloader) DownloadAgentTarball(ctx context.Context, agentName, version string) ([]byte, error) {
	return f.data, f.err
}

func buildTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestResolve_UsesAgentCardJSONWhenPresent(t *testing.T) {
	data := buildTarball(t, map[string]string{
		"AgentCard.json": `{"name":"myA","version":"2.0.0","tools":["fetch"]}`,
	})
	r := New(fakeDownloader{data: data}, "unused-generator", false)

	doc := r.Resolve(context.Background(), "myA", "2.0.0", "u1", "http://gw/agents/myA")

	assert.Equal(t, "myA", doc["id"])
	assert.Equal(t, "http://gw/agents/myA", doc["url"])
	assert.Equal(t, "kubernetes", doc["deployment_type"])
	assert.Equal(t, "u1", doc["owner_id"])
	assert.Equal(t, "2.0.0", doc["version"])
}

func TestResolve_FallsBackToMinimalDocumentWithoutLLMKey(t *testing.T) {
	data := buildTarball(t, map[string]string{"README.md": "no agent card here"})
	r := New(fakeDownloader{data: data}, "unused-generator", false)

	doc := r.Resolve(context.Background(), "myA", "1.0.0", "", "http://gw/agents/myA")

	assert.Equal(t, "myA", doc["id"])
	assert.Equal(t, "1.0.0", doc["version"])
	assert.Equal(t, []interface{}{}, doc["tools"])
	_, hasOwner := doc["owner_id"]
	assert.False(t, hasOwner, "empty ownerID must not be written to the document")
}

func TestResolve_DownloadFailureFallsBackToMinimalDocument(t *testing.T) {
	r := New(fakeDownloader{err: assert.AnError}, "unused-generator", true)

	doc := r.Resolve(context.Background(), "myA", "1.0.0", "u1", "http://gw/agents/myA")

	assert.Equal(t, "myA", doc["id"])
	assert.Equal(t, "1.0.0", doc["version"])
}

func TestResolve_InvokesGeneratorWhenLLMKeyPresentAndNoAgentCard(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script generator stub requires a POSIX shell")
	}
	data := buildTarball(t, map[string]string{"main.py": "print(1)"})

	scriptPath := filepath.Join(t.TempDir(), "generator.sh")
	script := "#!/bin/sh\necho '{\"name\":\"generated\",\"version\":\"9.9.9\"}'\n"
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	r := New(fakeDownloader{data: data}, scriptPath, true)
	doc := r.Resolve(context.Background(), "myA", "1.0.0", "u1", "http://gw/agents/myA")

	assert.Equal(t, "generated", doc["name"])
	assert.Equal(t, "9.9.9", doc["version"])
	assert.Equal(t, "myA", doc["id"], "id must always be overwritten regardless of generator output")
}

func TestResolve_GeneratorFailureFallsBackToMinimalDocument(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script generator stub requires a POSIX shell")
	}
	data := buildTarball(t, map[string]string{"main.py": "print(1)"})

	scriptPath := filepath.Join(t.TempDir(), "generator.sh")
	script := "#!/bin/sh\nexit 1\n"
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	r := New(fakeDownloader{data: data}, scriptPath, true)
	doc := r.Resolve(context.Background(), "myA", "1.0.0", "u1", "http://gw/agents/myA")

	assert.Equal(t, []interface{}{}, doc["tools"], "generator failure must fall back to the minimal document")
}
