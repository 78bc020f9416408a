package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/imageload"
	"github.com/meigma/imageload/core/request"
	"github.com/meigma/imageload/handler/oci"
	"github.com/meigma/imageload/handler/s3"
)

type options struct {
	resize       string
	centerCrop   bool
	centerInside bool
	rotate       float64
	out          string
	verbose      bool
	stats        bool
	timeout      time.Duration
	cacheSize    int
	dockerConfig bool
	plainHTTP    bool
	enableS3     bool
}

func newRootCmd() *cobra.Command {
	var o options

	cmd := &cobra.Command{
		Use:   "imgfetch [flags] REF...",
		Short: "Load images and write them as PNG files",
		Example: `
imgfetch https://example.com/logo.png

imgfetch --resize 128x128 --center-crop --out thumbs ./a.jpg ./b.jpg

imgfetch --docker-config oci://ghcr.io/acme/images:logo

imgfetch --s3 --rotate 90 s3://assets/banner.png
`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.resize, "resize", "", "resize to WxH before writing")
	f.BoolVar(&o.centerCrop, "center-crop", false, "scale to fill the resize box and crop the overflow")
	f.BoolVar(&o.centerInside, "center-inside", false, "scale to fit inside the resize box")
	f.Float64Var(&o.rotate, "rotate", 0, "rotate by degrees")
	f.StringVarP(&o.out, "out", "o", ".", "output directory")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "enable debug logging")
	f.BoolVar(&o.stats, "stats", false, "print cache and latency statistics")
	f.DurationVar(&o.timeout, "timeout", time.Minute, "overall timeout")
	f.IntVar(&o.cacheSize, "cache-size", imageload.DefaultMemoryCacheSize>>20, "memory cache size in MB")
	f.BoolVar(&o.dockerConfig, "docker-config", false, "read registry credentials from the docker config")
	f.BoolVar(&o.plainHTTP, "plain-http", false, "talk to registries over plain HTTP")
	f.BoolVar(&o.enableS3, "s3", false, "enable s3:// references using the default AWS configuration")
	cmd.MarkFlagsMutuallyExclusive("center-crop", "center-inside")

	return cmd
}

func run(cmd *cobra.Command, o options, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	logger := log.FromContext(ctx)
	if o.verbose {
		logger.SetLevel(log.DebugLevel)
	}

	reqOpts, err := o.requestOptions()
	if err != nil {
		return err
	}
	requests := make([]*request.Request, 0, len(args))
	for _, arg := range args {
		req, err := request.New(request.URI(normalizeRef(arg)), reqOpts...)
		if err != nil {
			return err
		}
		requests = append(requests, req)
	}

	loaderOpts, err := o.loaderOptions(ctx, slog.New(logger))
	if err != nil {
		return err
	}
	l, err := imageload.New(loaderOpts...)
	if err != nil {
		return err
	}
	defer l.Shutdown()

	if err := os.MkdirAll(o.out, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		g.Go(func() error {
			art, from, err := l.Get(gctx, req)
			if err != nil {
				return fmt.Errorf("load %s: %w", req.Name(), err)
			}
			path := filepath.Join(o.out, outputName(i, req))
			if err := imaging.Save(art.Image(), path); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			b := art.Bounds()
			logger.Info("saved", "ref", req.Name(), "path", path, "size", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()), "from", from)
			return nil
		})
	}
	err = g.Wait()

	if o.stats {
		fmt.Fprint(cmd.OutOrStdout(), l.Stats().String())
	}
	return err
}

func (o options) requestOptions() ([]request.Option, error) {
	var opts []request.Option
	if o.resize != "" {
		w, h, err := parseSize(o.resize)
		if err != nil {
			return nil, err
		}
		opts = append(opts, request.Resize(w, h))
	}
	if o.centerCrop {
		opts = append(opts, request.CenterCrop())
	}
	if o.centerInside {
		opts = append(opts, request.CenterInside())
	}
	if o.rotate != 0 {
		opts = append(opts, request.Rotate(o.rotate))
	}
	return opts, nil
}

func (o options) loaderOptions(ctx context.Context, logger *slog.Logger) ([]imageload.Option, error) {
	opts := []imageload.Option{
		imageload.WithLogger(logger),
		imageload.WithMemoryCacheSize(o.cacheSize << 20),
	}

	var ociOpts []oci.Option
	if o.dockerConfig {
		ociOpts = append(ociOpts, oci.WithDockerConfig())
	}
	if o.plainHTTP {
		ociOpts = append(ociOpts, oci.WithPlainHTTP(true))
	}
	opts = append(opts, imageload.WithOCIOptions(ociOpts...))

	if o.enableS3 {
		h, err := s3.NewFromConfig(ctx, nil)
		if err != nil {
			return nil, err
		}
		opts = append(opts, imageload.WithHandlers(h))
	}
	return opts, nil
}

// parseSize parses "WxH".
func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q: want WxH", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width in %q: %w", s, err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height in %q: %w", s, err)
	}
	return w, h, nil
}

// normalizeRef turns relative paths into absolute ones so the file handler
// claims them. References with a scheme are returned unchanged.
func normalizeRef(ref string) string {
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "data:") || filepath.IsAbs(ref) {
		return ref
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return ref
	}
	return abs
}

// outputName derives a file name from the request, prefixed with its
// position so duplicate names do not collide.
func outputName(i int, req *request.Request) string {
	base := filepath.Base(req.Name())
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "_" {
		base = "image"
	}
	return fmt.Sprintf("%03d-%s.png", i, base)
}
