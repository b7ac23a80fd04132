package oci

import (
	"log/slog"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// Option configures a Store.
type Option func(*Store)

// WithPlainHTTP enables plain HTTP (no TLS), for local registries.
func WithPlainHTTP(enabled bool) Option {
	return func(s *Store) {
		s.plainHTTP = enabled
	}
}

// WithStaticCredentials sets a username and password for registry.
func WithStaticCredentials(registry, username, password string) Option {
	return func(s *Store) {
		s.credential = auth.StaticCredential(registry, auth.Credential{
			Username: username,
			Password: password,
		})
	}
}

// WithDockerConfig reads credentials from the Docker config file. If it
// cannot be loaded the store falls back to anonymous access.
func WithDockerConfig() Option {
	return func(s *Store) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		s.credential = credentials.Credential(store)
	}
}

// WithUserAgent sets the User-Agent header for registry requests.
func WithUserAgent(ua string) Option {
	return func(s *Store) {
		s.userAgent = ua
	}
}

// WithTempDir sets the directory Put spools uploads to. It defaults to
// os.TempDir.
func WithTempDir(dir string) Option {
	return func(s *Store) {
		s.tempDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}
