package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/vhd-provisioner/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestKeywordOf(t *testing.T) {
	keywords := []string{"GAME", "DATA"}

	k, ok := KeywordOf("game_20250101.vhd", keywords)
	assert.True(t, ok)
	assert.Equal(t, "GAME", k)

	_, ok = KeywordOf("other.vhd", keywords)
	assert.False(t, ok)

	// Both keywords present: configuration order decides, not position in the name.
	k, ok = KeywordOf("DATA_GAME.vhd", keywords)
	assert.True(t, ok)
	assert.Equal(t, "GAME", k)

	k, _ = KeywordOf("DATA_GAME.vhd", []string{"DATA", "GAME"})
	assert.Equal(t, "DATA", k)
}

func TestScan(t *testing.T) {
	local := t.TempDir()
	usb := t.TempDir()
	stray := t.TempDir()

	touch(t, filepath.Join(local, "GAME_OLD.vhd"))
	touch(t, filepath.Join(local, "notes.txt"))
	touch(t, filepath.Join(local, "nested", "GAME_DEEP.vhd"))
	touch(t, filepath.Join(usb, "GAME_20250101.VHD"))
	touch(t, filepath.Join(usb, "Data_secure.evhd"))
	touch(t, filepath.Join(stray, "GAME_STRAY.vhd"))

	d := &Discovery{
		Config: Config{
			Keywords:            []string{"GAME", "DATA"},
			ImageExtensions:     []string{".vhd", ".vhdx"},
			EncryptedExtensions: []string{".evhd"},
			InstallerLabel:      "INSTALLER",
		},
		Drives: fakeDrives{
			{Root: local, Kind: DriveFixed, Ready: true},
			{Root: usb, Kind: DriveRemovable, Label: "installer", Ready: true},
			{Root: stray, Kind: DriveRemovable, Label: "PHOTOS", Ready: true},
			{Root: filepath.Join(local, "nope"), Kind: DriveFixed, Ready: false},
		},
		Log: common.DiscardLogger(),
	}

	res, err := d.Scan()
	require.NoError(t, err)

	require.Len(t, res.Local, 1)
	assert.Equal(t, filepath.Join(local, "GAME_OLD.vhd"), res.Local[0].Path)
	assert.Equal(t, "GAME", res.Local[0].Keyword)
	assert.False(t, res.Local[0].Encrypted)

	require.Len(t, res.USB, 2)
	byName := map[string]bool{}
	for _, img := range res.USB {
		byName[filepath.Base(img.Path)] = img.Encrypted
	}
	assert.Equal(t, map[string]bool{"GAME_20250101.VHD": false, "Data_secure.evhd": true}, byName)
}

func TestStaticDrives(t *testing.T) {
	root := t.TempDir()
	drives, err := StaticDrives{Fixed: []string{root, filepath.Join(root, "missing")}, Removable: []string{root}, Label: "X"}.Drives()
	require.NoError(t, err)
	require.Len(t, drives, 3)
	assert.True(t, drives[0].Ready)
	assert.False(t, drives[1].Ready)
	assert.Equal(t, DriveRemovable, drives[2].Kind)
	assert.Equal(t, "X", drives[2].Label)
}

type fakeDrives []Drive

func (f fakeDrives) Drives() ([]Drive, error) { return f, nil }
