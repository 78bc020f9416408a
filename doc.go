// Package imageload loads, transforms and caches images for display targets.
//
// A [Loader] turns a [request.Request] into a decoded [artifact.Artifact].
// Requests for the same key are coalesced into one load, results are kept in
// a bounded memory cache, and completions are delivered in batches on a
// caller-chosen executor.
//
// Built-in handlers serve, in priority order:
//   - resource names from an [io/fs.FS] (for example an embed.FS)
//   - data: URIs
//   - handlers added with [WithHandlers]
//   - file:// URIs and absolute paths
//   - s3://bucket/key objects, when an S3 client is configured
//   - oci://registry/repository@digest blobs and tagged image manifests
//   - http and https URLs
//
// # Quick Start
//
// Load an image into a target:
//
//	l, err := imageload.New()
//	if err != nil {
//	    return err
//	}
//	defer l.Shutdown()
//
//	req, err := request.New(request.URI("https://example.com/a.png"),
//	    request.Resize(100, 100),
//	    request.CenterCrop(),
//	)
//	if err != nil {
//	    return err
//	}
//	err = l.Into(ctx, req, &imageload.TargetFuncs{
//	    Loaded: func(a *artifact.Artifact, from artifact.Provenance) { show(a.Image()) },
//	    Failed: func(err error) { showError(err) },
//	})
//
// Or block until the image is ready:
//
//	art, from, err := l.Get(ctx, req)
//
// # Cancellation
//
// Binding a new request to a target cancels the target's previous request.
// Cancelling the context passed to Into cancels the request as well, so a
// target that goes away only needs its context cancelled.
//
// # Connectivity
//
// The worker pool is sized from the connectivity class reported through
// [Loader.NetworkStateChanged]. Network loads are retried only while
// connected, and http loads that fail while offline resume on reconnect.
package imageload
