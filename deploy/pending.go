//go:build !windows

package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// PendingJournalName is the journal of deferred replaces kept next to targets
// on systems without a boot-time rename facility.
const PendingJournalName = ".pending-replace.json"

type pendingReplace struct {
	Staged string `json:"staged"`
	Target string `json:"target"`
}

func readPending(path string) ([]pendingReplace, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var entries []pendingReplace
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt pending journal %s: %w", path, err)
	}
	return entries, nil
}

func writePending(path string, entries []pendingReplace) error {
	if len(entries) == 0 {
		err := os.Remove(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func appendPending(staged, target string) error {
	journal := filepath.Join(filepath.Dir(target), PendingJournalName)
	entries, err := readPending(journal)
	if err != nil {
		return err
	}
	// A later deferral of the same target supersedes the earlier one.
	kept := entries[:0]
	for _, e := range entries {
		if e.Target == target {
			if e.Staged != staged {
				os.Remove(e.Staged)
			}
			continue
		}
		kept = append(kept, e)
	}
	kept = append(kept, pendingReplace{Staged: staged, Target: target})
	return writePending(journal, kept)
}

// ApplyPending performs the deferred replaces journaled in dir and returns how
// many were applied. Entries whose target is still in use stay journaled.
// Entries whose staged file vanished are dropped.
func ApplyPending(dir string) (int, error) {
	journal := filepath.Join(dir, PendingJournalName)
	entries, err := readPending(journal)
	if err != nil || len(entries) == 0 {
		return 0, err
	}

	var (
		applied int
		remain  []pendingReplace
		errs    error
	)
	for _, e := range entries {
		if _, err := os.Stat(e.Staged); err != nil {
			continue
		}
		if err := atomicReplace(e.Staged, e.Target); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", e.Target, err))
			remain = append(remain, e)
			continue
		}
		applied++
	}
	if err := writePending(journal, remain); err != nil {
		errs = multierror.Append(errs, err)
	}
	return applied, errs
}
