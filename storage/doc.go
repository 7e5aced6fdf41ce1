// Package storage fetches update packages from the remote update channel.
//
// An update package is a flat set of named artifacts: manifest.json,
// manifest.sig and every file the manifest lists, addressed by their
// manifest path. Sources are read-only.
//
// # Source URI Format
//
//	file:///srv/updates/
//	file://D:/updates
//	s3://bucket-name/prefix/?region=us-west-2
//	s3://ACCESS_KEY:SECRET_KEY@bucket-name/prefix/?endpoint=minio.local:9000
//	ipfs://127.0.0.1:5001/<root cid>?timeout=30s
//
// # Usage
//
//	factory := storage.NewStorageBackendFactory(log)
//	src, err := factory.CreateMultiSource(factory.ParseLocations(cfg.UpdateSources))
//	if err != nil {
//		return err
//	}
//	m, err := storage.FetchPackage(ctx, src, stagingDir)
//
// MultiSource tries its sources in order and falls back to the next one when
// a source is unavailable or lacks the artifact. FetchPackage refuses
// manifest paths that would land outside the staging directory.
package storage
