package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_RecordsAreIdempotentPerMessage(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.RecordBuild("msg-1", "build-1"))
	require.NoError(t, l.RecordDeployment("msg-1", "deploy-1"))
	require.NoError(t, l.RecordRegistryUpsert("msg-1"))

	rec, err := l.Get("msg-1")
	require.NoError(t, err)
	assert.Equal(t, "build-1", rec.BuildRecordID)
	assert.Equal(t, "deploy-1", rec.DeploymentRecordID)
	assert.True(t, rec.RegistryUpserted)
}

func TestLedger_GetUnknownMessageReturnsZeroValue(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	rec, err := l.Get("never-seen")
	require.NoError(t, err)
	assert.Empty(t, rec.BuildRecordID)
	assert.False(t, rec.RegistryUpserted)
}

func TestLedger_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.RecordBuild("msg-2", "build-2"))
	require.NoError(t, l.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get("msg-2")
	require.NoError(t, err)
	assert.Equal(t, "build-2", rec.BuildRecordID)
}
