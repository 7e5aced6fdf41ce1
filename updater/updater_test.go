package updater

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/manifest"
	"github.com/ruteri/vhd-provisioner/manifest/manifesttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	signer  *manifesttest.Signer
	pkgDir  string
	install string
	content []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		signer:  manifesttest.NewSigner(t),
		pkgDir:  t.TempDir(),
		install: t.TempDir(),
		content: []byte("launcher v2"),
	}
	require.NoError(t, os.WriteFile(filepath.Join(f.pkgDir, "launcher.exe"), f.content, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(f.install, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.install, "bin", "launcher.exe"), []byte("launcher v1"), 0o644))
	return f
}

func (f *fixture) manifest() *interfaces.Manifest {
	return manifesttest.New(interfaces.AppUpdate, "2.0", "1.0",
		manifesttest.Entry("launcher.exe", "bin/launcher.exe", f.content))
}

func (f *fixture) opts() Options {
	return Options{
		ManifestPath: filepath.Join(f.pkgDir, manifest.FileName),
		TrustBundle:  f.signer.BundlePath,
		InstallRoot:  f.install,
		Log:          common.DiscardLogger(),
	}
}

func (f *fixture) installed(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.install, "bin", "launcher.exe"))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) marker(t *testing.T) *string {
	t.Helper()
	v, err := manifest.ReadMarker(filepath.Join(f.install, manifest.AppMarkerName))
	require.NoError(t, err)
	return v
}

func TestApplyUpdate(t *testing.T) {
	f := newFixture(t)
	f.signer.Write(t, f.pkgDir, f.manifest())

	assert.Equal(t, ExitOK, Run(context.Background(), f.opts()))
	assert.Equal(t, "launcher v2", f.installed(t))
	require.NotNil(t, f.marker(t))
	assert.Equal(t, "2.0", *f.marker(t))
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture, opts *Options)
		want  ExitCode
	}{
		{
			name: "no manifest argument",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				opts.ManifestPath = ""
			},
			want: ExitNoManifestArg,
		},
		{
			name: "missing trust bundle",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				f.signer.Write(t, f.pkgDir, f.manifest())
				opts.TrustBundle = filepath.Join(t.TempDir(), "none.pem")
			},
			want: ExitNoTrustBundle,
		},
		{
			name: "missing signature",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				f.signer.Write(t, f.pkgDir, f.manifest())
				require.NoError(t, os.Remove(filepath.Join(f.pkgDir, manifest.SignatureFileName)))
			},
			want: ExitNoSignature,
		},
		{
			name: "signature by untrusted key",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				manifesttest.NewSigner(t).Write(t, f.pkgDir, f.manifest())
			},
			want: ExitSignatureInvalid,
		},
		{
			name: "wrong manifest type",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				m := f.manifest()
				m.Type = interfaces.VHDData
				f.signer.Write(t, f.pkgDir, m)
			},
			want: ExitWrongType,
		},
		{
			name: "content mismatch",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				f.signer.Write(t, f.pkgDir, f.manifest())
				require.NoError(t, os.WriteFile(filepath.Join(f.pkgDir, "launcher.exe"), []byte("tampered!!!"), 0o644))
			},
			want: ExitContentMismatch,
		},
		{
			name: "unparseable timestamp",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				m := f.manifest()
				m.CreatedAt = "last tuesday"
				f.signer.Write(t, f.pkgDir, m)
			},
			want: ExitBadTimestamp,
		},
		{
			name: "expired",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				f.signer.Write(t, f.pkgDir, f.manifest())
				opts.Now = func() time.Time { return time.Now().Add(30 * 24 * time.Hour) }
			},
			want: ExitExpired,
		},
		{
			name: "installed version newer than floor",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				f.signer.Write(t, f.pkgDir, f.manifest())
				require.NoError(t, manifest.WriteMarker(filepath.Join(f.install, manifest.AppMarkerName), "1.5"))
			},
			want: ExitVersionRejected,
		},
		{
			name: "unreadable manifest",
			setup: func(t *testing.T, f *fixture, opts *Options) {
				opts.ManifestPath = f.pkgDir
			},
			want: ExitApplyFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			opts := f.opts()
			tt.setup(t, f, &opts)

			assert.Equal(t, tt.want, Run(context.Background(), opts))
			assert.Equal(t, "launcher v1", f.installed(t))
		})
	}
}

func TestSkipAtFloor(t *testing.T) {
	f := newFixture(t)
	f.signer.Write(t, f.pkgDir, f.manifest())
	markerPath := filepath.Join(f.install, manifest.AppMarkerName)
	require.NoError(t, manifest.WriteMarker(markerPath, "1.0"))

	assert.Equal(t, ExitOK, Run(context.Background(), f.opts()))
	assert.Equal(t, "launcher v1", f.installed(t))
	assert.Equal(t, "1.0", *f.marker(t))
}

func TestWaitsForPID(t *testing.T) {
	f := newFixture(t)
	f.signer.Write(t, f.pkgDir, f.manifest())

	// The test process never exits while the updater waits on it.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	opts := f.opts()
	opts.PID = int32(os.Getpid())
	opts.PIDPollInterval = 5 * time.Millisecond

	assert.Equal(t, ExitApplyFailed, Run(ctx, opts))
	assert.Equal(t, "launcher v1", f.installed(t))
}
