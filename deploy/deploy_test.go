package deploy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageAndDeployImmediate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.vhd")
	target := filepath.Join(dir, "nested", "target.vhd")
	content := make([]byte, 3*copyBufferSize+17)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(src, content, 0644))

	var last int64
	d := NewDeployer(common.DiscardLogger())
	result, err := d.StageAndDeploy(src, target, func(done int64) { last = done })
	require.NoError(t, err)
	assert.Equal(t, interfaces.DeployImmediate, result)
	assert.Equal(t, int64(len(content)), last)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	leftovers, err := filepath.Glob(filepath.Join(dir, "nested", ".*.staging"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDeployDefersLockedTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "app.exe")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0644))
	staged, err := StagingPath(target)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(staged, []byte("new"), 0644))

	var scheduled [2]string
	d := &Deployer{
		Log: common.DiscardLogger(),
		replace: func(string, string) error {
			return errTargetLocked
		},
		schedule: func(s, t string) error {
			scheduled = [2]string{s, t}
			return nil
		},
	}

	result, err := d.Deploy(staged, target)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DeployDeferredUntilReboot, result)
	assert.Equal(t, [2]string{staged, target}, scheduled)

	assert.FileExists(t, staged)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestDeployFailure(t *testing.T) {
	dir := t.TempDir()
	d := &Deployer{
		Log:     common.DiscardLogger(),
		replace: func(string, string) error { return errors.New("disk on fire") },
		schedule: func(string, string) error {
			t.Fatal("schedule must not be called for non-lock failures")
			return nil
		},
	}
	result, err := d.Deploy(filepath.Join(dir, "a"), filepath.Join(dir, "b"))
	assert.Error(t, err)
	assert.Equal(t, interfaces.DeployFailed, result)
}
