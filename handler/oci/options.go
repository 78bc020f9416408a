package oci

import (
	"net/http"

	"oras.land/oras-go/v2/registry/remote/credentials"
)

// Option configures a Handler.
type Option func(*Handler)

// WithCredentialStore sets the credential store for authentication.
func WithCredentialStore(store credentials.Store) Option {
	return func(h *Handler) {
		h.credStore = store
	}
}

// WithStaticCredentials sets username/password credentials for one registry.
func WithStaticCredentials(registry, username, password string) Option {
	return func(h *Handler) {
		h.credStore = StaticCredentials(registry, username, password)
	}
}

// WithDockerConfig reads credentials from ~/.docker/config.json. If the
// config cannot be loaded the handler falls back to no credentials.
func WithDockerConfig() Option {
	return func(h *Handler) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		h.credStore = store
	}
}

// WithPlainHTTP enables plain HTTP (no TLS), for local registries.
func WithPlainHTTP(enabled bool) Option {
	return func(h *Handler) {
		h.plainHTTP = enabled
	}
}

// WithAnonymous disables all authentication, including credential store lookups.
func WithAnonymous() Option {
	return func(h *Handler) {
		h.anonymous = true
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(h *Handler) {
		h.userAgent = ua
	}
}

// WithHTTPClient sets the client beneath the registry auth layer. The
// default retries throttled and failed requests with backoff.
func WithHTTPClient(client *http.Client) Option {
	return func(h *Handler) {
		if client != nil {
			h.httpClient = client
		}
	}
}

// WithRetryCount sets how many times a transient failure is retried.
func WithRetryCount(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.retries = n
		}
	}
}

// WithMaxBytes limits the blob size.
func WithMaxBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}
