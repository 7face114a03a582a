package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/modelrelay/common/models"
)

func completedDownload(owner string, files int) *models.Job {
	now := time.Now()
	job := models.NewJob("d1", models.KindDownload, now)
	job.Repo = models.NewRepoIdentity(owner, "model", models.RepoTypeModel)
	job.Acknowledge(now)
	job.Apply(&models.Snapshot{Status: models.StatusCompleted, TotalFiles: files}, now)
	return job
}

func TestTransferPolicy_EmptyRule(t *testing.T) {
	p, err := New("  ", "/opt/models/")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, ok, err := p.Evaluate(completedDownload("bert", 3))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransferPolicy_Evaluate(t *testing.T) {
	p, err := New(`repo.owner == "bert" && job.totalFiles < 10`, "/opt/models/")
	require.NoError(t, err)
	assert.Equal(t, `repo.owner == "bert" && job.totalFiles < 10`, p.Rule())

	target, ok, err := p.Evaluate(completedDownload("bert", 3))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/opt/models/", target)

	_, ok, err = p.Evaluate(completedDownload("bert", 30))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = p.Evaluate(completedDownload("gpt", 3))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransferPolicy_OnlyCompletedDownloads(t *testing.T) {
	p, err := New(`true`, "/opt/models/")
	require.NoError(t, err)

	running := completedDownload("bert", 3)
	running.Status = models.StatusCloning
	_, ok, _ := p.Evaluate(running)
	assert.False(t, ok)

	transfer := completedDownload("bert", 3)
	transfer.Kind = models.KindTransfer
	_, ok, _ = p.Evaluate(transfer)
	assert.False(t, ok)
}

func TestTransferPolicy_Errors(t *testing.T) {
	_, err := New(`repo.owner ==`, "/opt/models/")
	assert.Error(t, err)

	_, err = New(`true`, "")
	assert.Error(t, err)

	p, err := New(`repo.owner`, "/opt/models/")
	require.NoError(t, err)
	_, _, err = p.Evaluate(completedDownload("bert", 3))
	assert.Error(t, err)
}
