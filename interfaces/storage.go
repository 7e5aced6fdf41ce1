package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// UpdateSourceLocation represents the URI of a remote update channel.
type UpdateSourceLocation struct {
	Raw    string        // Original URI
	Scheme string        // Protocol
	Host   string        // Hostname
	User   *url.Userinfo // Credentials, if any
	Path   string        // Resource path
	Query  url.Values    // Query parameters
}

// NewUpdateSourceLocation parses and validates an update source URI.
func NewUpdateSourceLocation(uri string) (UpdateSourceLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return UpdateSourceLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs":
	default:
		return UpdateSourceLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return UpdateSourceLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		User:   parsed.User,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}, nil
}

// String returns the original URI string.
func (loc UpdateSourceLocation) String() string {
	return loc.Raw
}

// UpdateSource returns named artifacts of an update package (manifest.json,
// manifest.sig and the files the manifest lists).
type UpdateSource interface {
	// Fetch retrieves an artifact by its package-relative name.
	Fetch(ctx context.Context, name string) ([]byte, error)

	// Available checks if the source is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this source.
	LocationURI() string
}

// UpdateSourceFactory creates update sources.
type UpdateSourceFactory interface {
	// SourceFor creates a source from a URI. Supports file://, s3://, ipfs://
	SourceFor(location UpdateSourceLocation) (UpdateSource, error)

	// CreateMultiSource creates a source trying each location in order.
	CreateMultiSource(locations []UpdateSourceLocation) (UpdateSource, error)
}
