package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/vhd-provisioner/interfaces"
)

// IPFSSource serves update packages published as an IPFS directory. Artifacts
// are read as /ipfs/<root>/<name> through an IPFS node's API.
type IPFSSource struct {
	shell       *shell.Shell
	host        string
	port        string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSSource creates a source for the directory root served by the node
// at host:port.
func NewIPFSSource(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSSource, error) {
	root = strings.Trim(root, "/")
	if root == "" {
		return nil, fmt.Errorf("%w: ipfs source needs a root path", interfaces.ErrInvalidLocationURI)
	}
	apiURL := fmt.Sprintf("%s:%s", host, port)

	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSSource{
		shell:       sh,
		host:        host,
		port:        port,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/%s?timeout=%s", apiURL, root, timeout),
	}, nil
}

// Fetch retrieves name from the package directory. Returns
// ErrContentNotFound if the link doesn't exist or ErrBackendUnavailable if
// the node is not accessible.
func (s *IPFSSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	p := s.ipfsPath(name)

	if !s.shell.IsUp() {
		s.log.Warn("IPFS node unavailable",
			slog.String("host", s.host),
			slog.String("port", s.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := s.shell.Cat(p)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") {
			s.log.Debug("Artifact not found in IPFS",
				slog.String("path", p),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	s.log.Debug("Fetched artifact from IPFS",
		slog.String("path", p),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Available checks if the IPFS node is accessible.
func (s *IPFSSource) Available(ctx context.Context) bool {
	return s.shell.IsUp()
}

func (s *IPFSSource) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", s.host, s.port)
}

func (s *IPFSSource) LocationURI() string {
	return s.locationURI
}

func (s *IPFSSource) ipfsPath(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
	return "/ipfs/" + s.root + "/" + name
}
