package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

// StorageBackendFactory creates update sources from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// SourceFor creates an update source from a location.
//
// Supported schemes:
//   - file:///srv/updates/ or file://D:/updates
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-west-2&endpoint=minio.local:9000
//   - ipfs://host:5001/<root cid>?timeout=30s
func (sf *StorageBackendFactory) SourceFor(loc interfaces.UpdateSourceLocation) (interfaces.UpdateSource, error) {
	switch strings.ToLower(loc.Scheme) {
	case "ipfs":
		return sf.createIPFSSource(loc)
	case "s3":
		return sf.createS3Source(loc)
	case "file":
		return sf.createFileSource(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiSource aggregates every location that yields a valid source.
// Returns an error if none could be created.
func (sf *StorageBackendFactory) CreateMultiSource(locations []interfaces.UpdateSourceLocation) (interfaces.UpdateSource, error) {
	sources := make([]interfaces.UpdateSource, 0, len(locations))
	for _, loc := range locations {
		src, err := sf.SourceFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create update source",
				"err", err,
				slog.String("locationURI", loc.String()))
			continue
		}
		sources = append(sources, src)
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("no valid update sources created")
	}
	return NewMultiSource(sources, sf.log), nil
}

// ParseLocations parses every URI, skipping and logging invalid ones.
func (sf *StorageBackendFactory) ParseLocations(uris []string) []interfaces.UpdateSourceLocation {
	var locs []interfaces.UpdateSourceLocation
	for _, uri := range uris {
		loc, err := interfaces.NewUpdateSourceLocation(uri)
		if err != nil {
			sf.log.Warn("Ignoring update source", "uri", uri, "err", err)
			continue
		}
		locs = append(locs, loc)
	}
	return locs
}

func (sf *StorageBackendFactory) createIPFSSource(loc interfaces.UpdateSourceLocation) (interfaces.UpdateSource, error) {
	sf.log.Debug("Creating IPFS source", slog.String("uri", loc.String()))

	host, port, found := strings.Cut(loc.Host, ":")
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := loc.Query.Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = d
	}

	return NewIPFSSource(host, port, loc.Path, timeout, sf.log)
}

func (sf *StorageBackendFactory) createS3Source(loc interfaces.UpdateSourceLocation) (interfaces.UpdateSource, error) {
	sf.log.Debug("Creating S3 source", slog.String("uri", loc.String()))

	region := loc.Query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.User != nil {
		accessKey = loc.User.Username()
		secretKey, _ = loc.User.Password()
	}

	return NewS3Source(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.Query.Get("endpoint"), accessKey, secretKey, sf.log)
}

func (sf *StorageBackendFactory) createFileSource(loc interfaces.UpdateSourceLocation) (interfaces.UpdateSource, error) {
	sf.log.Debug("Creating file source", slog.String("uri", loc.String()))

	path := loc.Path
	if loc.Host != "" {
		// file://D:/updates and file://./relative
		if len(loc.Host) == 2 && loc.Host[1] == ':' {
			path = loc.Host + path
		} else {
			path = loc.Host + "/" + strings.TrimPrefix(path, "/")
		}
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc.String())
	}
	return NewFileSource(path, sf.log), nil
}
