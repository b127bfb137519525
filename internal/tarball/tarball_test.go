package tarball

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTarball(t *testing.T, entries []tar.Header, contents map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, hdr := range entries {
		body := contents[hdr.Name]
		hdr.Size = int64(len(body))
		require.NoError(t, tw.WriteHeader(&hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractAndWalkFiles_RoundTrip(t *testing.T) {
	data := buildTarball(t, []tar.Header{
		{Name: "Dockerfile", Mode: 0o644, Typeflag: tar.TypeReg},
		{Name: "src", Mode: 0o755, Typeflag: tar.TypeDir},
		{Name: "src/main.py", Mode: 0o644, Typeflag: tar.TypeReg},
	}, map[string]string{
		"Dockerfile":  "FROM scratch",
		"src/main.py": "print('hi')",
	})

	dir := t.TempDir()
	require.NoError(t, Extract(data, dir))

	files, err := WalkFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, "FROM scratch", string(files["Dockerfile"]))
	assert.Equal(t, "print('hi')", string(files["src/main.py"]))
}

func TestExtract_RejectsPathTraversal(t *testing.T) {
	data := buildTarball(t, []tar.Header{
		{Name: "../../etc/passwd", Mode: 0o644, Typeflag: tar.TypeReg},
	}, map[string]string{"../../etc/passwd": "root:x:0:0"})

	dir := t.TempDir()
	err := Extract(data, dir)
	assert.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "etc", "passwd"))
	assert.True(t, os.IsNotExist(statErr), "traversal entry must not be written outside destDir")
}

func TestExtract_RejectsAbsolutePath(t *testing.T) {
	data := buildTarball(t, []tar.Header{
		{Name: "/etc/passwd", Mode: 0o644, Typeflag: tar.TypeReg},
	}, map[string]string{"/etc/passwd": "root:x:0:0"})

	dir := t.TempDir()
	err := Extract(data, dir)
	assert.Error(t, err)
}
