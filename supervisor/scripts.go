package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ScriptNames are start script base names, in order of preference.
var ScriptNames = []string{"start_game", "start"}

// ScriptExtensions are the extensions a start script may carry.
var ScriptExtensions = []string{".bat", ".cmd", ".exe", ".sh"}

// FindStartScript returns the preferred start script directly inside dir.
func FindStartScript(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, name := range ScriptNames {
		for _, ext := range ScriptExtensions {
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				if strings.EqualFold(e.Name(), name+ext) {
					return filepath.Join(dir, e.Name()), true
				}
			}
		}
	}
	return "", false
}

// Runner starts a script without waiting for it.
type Runner interface {
	Start(ctx context.Context, script string) error
}

// ScriptRunner starts scripts with the interpreter their extension needs,
// in the script's own directory.
type ScriptRunner struct {
	Env []string
}

func (r ScriptRunner) Start(_ context.Context, script string) error {
	name, args := scriptCommand(script)
	// The payload outlives the supervisor's context.
	cmd := exec.Command(name, args...)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = append(os.Environ(), r.Env...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start %s: %w", script, err)
	}
	go cmd.Wait()
	return nil
}

func scriptCommand(script string) (string, []string) {
	switch strings.ToLower(filepath.Ext(script)) {
	case ".bat", ".cmd":
		return "cmd.exe", []string{"/C", script}
	case ".sh":
		return "/bin/sh", []string{script}
	}
	return script, nil
}
