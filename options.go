package imageload

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/afero"

	"github.com/meigma/imageload/core/cache"
	"github.com/meigma/imageload/core/dispatch"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/network"
	imghttp "github.com/meigma/imageload/handler/http"
	"github.com/meigma/imageload/handler/oci"
	"github.com/meigma/imageload/handler/s3"
)

// DefaultMemoryCacheSize is the memory cache limit in pixel bytes.
const DefaultMemoryCacheSize = 64 << 20 // 64 MB

// Option configures a Loader.
type Option func(*Loader) error

// --- Cache Options ---

// WithCache replaces the default memory cache.
func WithCache(c cache.Cache) Option {
	return func(l *Loader) error {
		if c == nil {
			return fmt.Errorf("imageload: nil cache")
		}
		l.cache = c
		return nil
	}
}

// WithMemoryCacheSize sets the default memory cache limit in pixel bytes.
// It has no effect together with WithCache.
func WithMemoryCacheSize(n int) Option {
	return func(l *Loader) error {
		if n <= 0 {
			return fmt.Errorf("%w: got %d", cache.ErrInvalidSize, n)
		}
		l.cacheSize = n
		return nil
	}
}

// --- Handler Options ---

// WithHandlers adds handlers. They are consulted after the resource and
// data: handlers and before the file, s3, oci and http handlers.
func WithHandlers(handlers ...handler.Handler) Option {
	return func(l *Loader) error {
		l.extra = append(l.extra, handlers...)
		return nil
	}
}

// WithResources serves request.Resource names from fsys.
func WithResources(fsys fs.FS) Option {
	return func(l *Loader) error {
		l.resources = fsys
		return nil
	}
}

// WithFileSystem sets the filesystem behind file:// URIs.
// The default is the host filesystem.
func WithFileSystem(fsys afero.Fs) Option {
	return func(l *Loader) error {
		l.fs = fsys
		return nil
	}
}

// WithHTTPClient sets the client used for http and https URLs.
func WithHTTPClient(client *http.Client) Option {
	return func(l *Loader) error {
		l.httpOpts = append(l.httpOpts, imghttp.WithClient(client))
		return nil
	}
}

// WithHTTPOptions passes options to the http handler.
func WithHTTPOptions(opts ...imghttp.Option) Option {
	return func(l *Loader) error {
		l.httpOpts = append(l.httpOpts, opts...)
		return nil
	}
}

// WithS3Client enables s3://bucket/key URIs served by client.
func WithS3Client(client s3.API, opts ...s3.Option) Option {
	return func(l *Loader) error {
		if client == nil {
			return fmt.Errorf("imageload: nil s3 client")
		}
		l.s3 = s3.New(client, opts...)
		return nil
	}
}

// WithOCIOptions passes options to the oci handler.
func WithOCIOptions(opts ...oci.Option) Option {
	return func(l *Loader) error {
		l.ociOpts = append(l.ociOpts, opts...)
		return nil
	}
}

// --- Behavior Options ---

// WithLogger sets the logger for the loader and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) error {
		l.logger = logger
		return nil
	}
}

// WithListener registers a listener notified of every failed load.
func WithListener(listener Listener) Option {
	return func(l *Loader) error {
		l.listener = listener
		return nil
	}
}

// WithRequestTransformer rewrites every request before it is keyed.
func WithRequestTransformer(fn RequestTransformer) Option {
	return func(l *Loader) error {
		l.transformer = fn
		return nil
	}
}

// WithExecutor sets where completions are delivered. The default runs them
// serially on a dedicated goroutine.
func WithExecutor(e dispatch.Executor) Option {
	return func(l *Loader) error {
		l.dispatchOpts = append(l.dispatchOpts, dispatch.WithExecutor(e))
		return nil
	}
}

// WithBatchDelay sets how long completions accumulate before delivery.
func WithBatchDelay(d time.Duration) Option {
	return func(l *Loader) error {
		if d <= 0 {
			return fmt.Errorf("imageload: batch delay must be > 0, got %s", d)
		}
		l.dispatchOpts = append(l.dispatchOpts, dispatch.WithBatchDelay(d))
		return nil
	}
}

// WithNetworkInfo sets the initial connectivity, which sizes the worker pool.
func WithNetworkInfo(info network.Info) Option {
	return func(l *Loader) error {
		l.dispatchOpts = append(l.dispatchOpts, dispatch.WithNetworkInfo(info))
		return nil
	}
}

// WithAirplaneMode sets the initial airplane mode flag.
func WithAirplaneMode(on bool) Option {
	return func(l *Loader) error {
		l.dispatchOpts = append(l.dispatchOpts, dispatch.WithAirplaneMode(on))
		return nil
	}
}
