package replace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/cryptoutils"
	"github.com/ruteri/vhd-provisioner/deploy"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/manifest"
	"github.com/ruteri/vhd-provisioner/metrics"
)

// Outcome summarizes a replacement batch.
type Outcome int

const (
	// NothingToDo means no USB image had an unlocked local counterpart.
	NothingToDo Outcome = iota
	// Replaced means at least one local image was replaced or deferred.
	Replaced
	// Skipped means the version gate found the destination already at the floor.
	Skipped
	// Rejected means a trust check failed; nothing was touched.
	Rejected
	// Failed means verification passed but no file could be deployed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NothingToDo:
		return "nothing to do"
	case Replaced:
		return "replaced"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Report is the result of Run.
type Report struct {
	Outcome  Outcome
	Replaced int
	Deferred int
	Failed   int
	// Version is the manifest version applied, empty without a manifest.
	Version string
}

// Config controls matching and trust policy.
type Config struct {
	// RequireManifest rejects USB sources that carry no manifest.
	RequireManifest bool
	// DeleteTimeout bounds retries while the OS releases a deleted file.
	DeleteTimeout time.Duration
}

// Orchestrator replaces local images with newer images from installer media.
type Orchestrator struct {
	Config
	Verifier *manifest.Verifier
	Deployer *deploy.Deployer
	Status   interfaces.StatusSink
	Log      *slog.Logger

	// Platform probes, replaceable in tests.
	inUse           func(path string) bool
	clearAttributes func(path string) error
	remove          func(path string) error
}

// New returns an Orchestrator with the platform file probes.
func New(cfg Config, verifier *manifest.Verifier, deployer *deploy.Deployer, status interfaces.StatusSink, log *slog.Logger) *Orchestrator {
	if cfg.DeleteTimeout == 0 {
		cfg.DeleteTimeout = time.Second
	}
	if log == nil {
		log = common.DiscardLogger()
	}
	return &Orchestrator{
		Config:          cfg,
		Verifier:        verifier,
		Deployer:        deployer,
		Status:          status,
		Log:             log,
		inUse:           deploy.InUse,
		clearAttributes: deploy.ClearAttributes,
		remove:          os.Remove,
	}
}

type pair struct {
	src   interfaces.ImageFile
	local interfaces.ImageFile
	// target is where the new image lands: the local directory, the USB name.
	target string
}

// match pairs every USB image with the local images sharing its keyword.
// Extensions must match, except that an encrypted USB image may replace a
// plain local one. Local images held open by another process are skipped.
func (o *Orchestrator) match(usb, local []interfaces.ImageFile) []pair {
	var pairs []pair
	claimed := map[string]bool{}
	for _, src := range usb {
		for _, dst := range local {
			if !strings.EqualFold(src.Keyword, dst.Keyword) || claimed[dst.Path] {
				continue
			}
			sameExt := strings.EqualFold(filepath.Ext(src.Path), filepath.Ext(dst.Path))
			if !sameExt && !(src.Encrypted && !dst.Encrypted) {
				continue
			}
			if o.inUse(dst.Path) {
				o.Log.Warn("Local image in use, skipping", "path", dst.Path)
				continue
			}
			if err := o.clearAttributes(dst.Path); err != nil {
				o.Log.Warn("Could not clear file attributes", "path", dst.Path, "err", err)
			}
			claimed[dst.Path] = true
			pairs = append(pairs, pair{
				src:    src,
				local:  dst,
				target: filepath.Join(filepath.Dir(dst.Path), filepath.Base(src.Path)),
			})
		}
	}
	return pairs
}

// Run replaces local images with matching USB images. The batch is gated
// and fully verified before any local file is deleted.
func (o *Orchestrator) Run(ctx context.Context, usb, local []interfaces.ImageFile, progress interfaces.ProgressFunc) (*Report, error) {
	pairs := o.match(usb, local)
	if len(pairs) == 0 {
		o.report("Nothing to replace", -1)
		return &Report{Outcome: NothingToDo}, nil
	}

	m, err := o.loadManifest(pairs)
	if err != nil {
		o.report(fmt.Sprintf("Update rejected: %v", err), -1)
		return &Report{Outcome: Rejected}, err
	}

	report := &Report{}
	if m != nil {
		report.Version = m.Version
		decision, err := o.gate(pairs, m)
		if err != nil {
			o.report(fmt.Sprintf("Update rejected: %v", err), -1)
			return &Report{Outcome: Rejected}, err
		}
		if decision == interfaces.GateSkip {
			o.report("Images already at version "+m.MinVersion, -1)
			return &Report{Outcome: Skipped, Version: m.Version}, nil
		}
	}

	if err := o.verify(ctx, pairs, m, progress); err != nil {
		o.report(fmt.Sprintf("Verification failed: %v", err), -1)
		return &Report{Outcome: Rejected}, err
	}

	errs := o.apply(ctx, pairs, report, progress)

	switch {
	case report.Replaced+report.Deferred == 0:
		report.Outcome = Failed
	default:
		report.Outcome = Replaced
	}

	if m != nil && report.Failed == 0 {
		for _, root := range destinationRoots(pairs) {
			if err := manifest.WriteMarker(filepath.Join(root, manifest.DataMarkerName), m.Version); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	o.report(fmt.Sprintf("Replacement %s: %d replaced, %d deferred, %d failed",
		report.Outcome, report.Replaced, report.Deferred, report.Failed), 100)
	return report, errs
}

// loadManifest returns the verified manifest accompanying the USB sources,
// or nil when none exists and none is required.
func (o *Orchestrator) loadManifest(pairs []pair) (*interfaces.Manifest, error) {
	roots := map[string]bool{}
	for _, p := range pairs {
		roots[p.src.Root] = true
	}
	if len(roots) > 1 {
		return nil, fmt.Errorf("%w: sources span %d media roots", interfaces.ErrManifestMalformed, len(roots))
	}
	root := pairs[0].src.Root

	if !manifest.Exists(root) {
		if o.RequireManifest {
			return nil, fmt.Errorf("%w: none on %s", interfaces.ErrManifestRequired, root)
		}
		o.Log.Warn("No manifest on installer media, replacing without verification", "root", root)
		return nil, nil
	}
	if o.Verifier == nil {
		return nil, interfaces.ErrNoTrustBundle
	}
	return o.Verifier.LoadDir(root, interfaces.VHDData)
}

// gate runs the version gate against the marker of every destination root.
// Any reject or skip stops the whole batch.
func (o *Orchestrator) gate(pairs []pair, m *interfaces.Manifest) (interfaces.GateDecision, error) {
	now := time.Now()
	if o.Verifier != nil && o.Verifier.Now != nil {
		now = o.Verifier.Now()
	}

	result := interfaces.GateApply
	for _, root := range destinationRoots(pairs) {
		marker, err := manifest.ReadMarker(filepath.Join(root, manifest.DataMarkerName))
		if err != nil {
			return interfaces.GateReject, err
		}
		decision, err := manifest.Gate(marker, m, now)
		if err != nil {
			return interfaces.GateReject, err
		}
		o.Log.Info("Version gate", "root", root, "minVersion", m.MinVersion, "decision", decision.String())
		switch decision {
		case interfaces.GateReject:
			return decision, fmt.Errorf("%w: %s is newer than %s", interfaces.ErrVersionRejected, *marker, m.MinVersion)
		case interfaces.GateSkip:
			result = interfaces.GateSkip
		}
	}
	return result, nil
}

// verify hashes every distinct source against the manifest, reporting
// progress over the first half of the range.
func (o *Orchestrator) verify(ctx context.Context, pairs []pair, m *interfaces.Manifest, progress interfaces.ProgressFunc) error {
	if m == nil {
		return nil
	}

	var sources []interfaces.ImageFile
	seen := map[string]bool{}
	var total int64
	for _, p := range pairs {
		if seen[p.src.Path] {
			continue
		}
		seen[p.src.Path] = true
		sources = append(sources, p.src)
		total += p.src.Size
	}

	var before int64
	for i, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, ok := m.FileByName(filepath.Base(src.Path))
		if !ok {
			return fmt.Errorf("%w: %s is not listed in the manifest", interfaces.ErrContentMismatch, filepath.Base(src.Path))
		}
		o.report("Verifying "+filepath.Base(src.Path), scale(before, total, 0))
		err := cryptoutils.VerifyFile(src.Path, entry, func(done int64) {
			emit(progress, i, len(sources), before+done, total, scale(before+done, total, 0))
		})
		if err != nil {
			return err
		}
		before += src.Size
	}
	return nil
}

// apply deletes and redeploys each pair, reporting progress over the second
// half of the range. A pair that cannot be deleted or deployed is skipped.
func (o *Orchestrator) apply(ctx context.Context, pairs []pair, report *Report, progress interfaces.ProgressFunc) error {
	var total int64
	for _, p := range pairs {
		total += p.src.Size
	}

	var (
		errs   error
		before int64
	)
	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			report.Failed += len(pairs) - i
			return multierror.Append(errs, err)
		}

		o.report("Replacing "+filepath.Base(p.local.Path), scale(before, total, 50))
		if err := o.deleteWithRetry(p.local.Path); err != nil {
			o.Log.Warn("Could not delete local image, skipping", "path", p.local.Path, "err", err)
			errs = multierror.Append(errs, err)
			report.Failed++
			metrics.ReplacedFiles.WithLabelValues("skipped").Inc()
			before += p.src.Size
			continue
		}

		offset := before
		result, err := o.Deployer.StageAndDeploy(p.src.Path, p.target, func(done int64) {
			emit(progress, i, len(pairs), offset+done, total, scale(offset+done, total, 50))
		})
		metrics.ReplacedFiles.WithLabelValues(result.String()).Inc()
		switch result {
		case interfaces.DeployImmediate:
			report.Replaced++
		case interfaces.DeployDeferredUntilReboot:
			report.Deferred++
		default:
			report.Failed++
			errs = multierror.Append(errs, err)
		}
		before += p.src.Size
	}
	return errs
}

func (o *Orchestrator) deleteWithRetry(path string) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), uint64(o.DeleteTimeout/(100*time.Millisecond)))
	return backoff.Retry(func() error {
		err := o.remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}, b)
}

func (o *Orchestrator) report(msg string, percent int) {
	if o.Status != nil {
		o.Status.Report(interfaces.Status{Stage: interfaces.StageReplace, Message: msg, Percent: percent})
	}
}

func destinationRoots(pairs []pair) []string {
	var roots []string
	seen := map[string]bool{}
	for _, p := range pairs {
		if !seen[p.local.Root] {
			seen[p.local.Root] = true
			roots = append(roots, p.local.Root)
		}
	}
	return roots
}

// scale maps done/total onto a 50-point window starting at base.
func scale(done, total int64, base int) int {
	if total <= 0 {
		return base
	}
	if done > total {
		done = total
	}
	return base + int(done*50/total)
}

func emit(progress interfaces.ProgressFunc, index, files int, done, total int64, percent int) {
	if progress == nil {
		return
	}
	progress(interfaces.ReplaceProgress{
		FileIndex:   index,
		TotalFiles:  files,
		BytesCopied: done,
		TotalBytes:  total,
		Percent:     percent,
	})
}
