package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ruteri/vhd-provisioner/interfaces"
)

// MultiSource tries each source in order and returns the first successful
// fetch.
type MultiSource struct {
	sources []interfaces.UpdateSource
	log     *slog.Logger
}

// NewMultiSource creates a source with fallback over sources.
func NewMultiSource(sources []interfaces.UpdateSource, logger *slog.Logger) *MultiSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiSource{
		sources: sources,
		log:     logger,
	}
}

func (m *MultiSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	var errs *multierror.Error

	for _, src := range m.sources {
		if !src.Available(ctx) {
			m.log.Debug("Source unavailable",
				slog.String("source", src.Name()),
				slog.String("artifact", name))
			continue
		}

		data, err := src.Fetch(ctx, name)
		if err == nil {
			m.log.Debug("Fetched artifact",
				slog.String("source", src.Name()),
				slog.String("artifact", name),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		errs = multierror.Append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		m.log.Debug("Failed to fetch from source",
			slog.String("source", src.Name()),
			slog.String("artifact", name),
			"err", err)
	}

	if errs == nil {
		return nil, fmt.Errorf("%w: no source available for %s", interfaces.ErrBackendUnavailable, name)
	}
	return nil, fmt.Errorf("all sources failed to fetch %s: %w", name, errs.ErrorOrNil())
}

// Available checks if any source is available.
func (m *MultiSource) Available(ctx context.Context) bool {
	for _, src := range m.sources {
		if src.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiSource) Name() string {
	return "multi-source"
}

func (m *MultiSource) LocationURI() string {
	var locations []string
	for _, src := range m.sources {
		locations = append(locations, src.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
