// Package transform applies the geometric and caller-supplied
// post-processing a request asks for.
package transform

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/request"
)

// ErrContractViolation is returned when a Transformation breaks its release
// contract. It signals a bug in the transformation, not a load failure.
var ErrContractViolation = errors.New("transform: transformation contract violated")

// NeedsTransform reports whether res must be post-processed for req.
func NeedsTransform(req *request.Request, res *handler.Result) bool {
	return req.NeedsTransformation() || res.Orientation > 1
}

// Apply corrects orientation, scales, crops and rotates res.Artifact as req
// specifies, then runs each Transformation in order. Every intermediate
// artifact that is replaced is released; on error the current artifact is
// released too.
func Apply(req *request.Request, res *handler.Result) (*artifact.Artifact, error) {
	cur := res.Artifact
	if cur == nil {
		return nil, errors.New("transform: nil artifact")
	}

	if img := orient(cur.Image(), res.Orientation); img != nil {
		cur = replace(cur, img)
	}

	if req.HasSize() {
		cur = replace(cur, resize(cur.Image(), req))
	}

	if deg := req.Rotation(); deg != 0 {
		// Rotating about a pivot and rotating about the center differ only
		// by a translation, which normalising to the rotated bounds removes.
		cur = replace(cur, imaging.Rotate(cur.Image(), deg, color.Transparent))
	}

	for _, t := range req.Transformations() {
		out, err := t.Transform(cur)
		if err != nil {
			if !cur.Released() {
				cur.Release()
			}
			return nil, fmt.Errorf("transformation %q: %w", t.Key(), err)
		}
		if err := checkContract(t, cur, out); err != nil {
			return nil, err
		}
		cur = out
	}
	return cur, nil
}

func checkContract(t request.Transformation, in, out *artifact.Artifact) error {
	switch {
	case out == nil:
		in.Release()
		return fmt.Errorf("%w: %q returned nil", ErrContractViolation, t.Key())
	case out == in && in.Released():
		return fmt.Errorf("%w: %q returned its input after releasing it", ErrContractViolation, t.Key())
	case out != in && !in.Released():
		in.Release()
		out.Release()
		return fmt.Errorf("%w: %q returned a new artifact without releasing its input", ErrContractViolation, t.Key())
	}
	return nil
}

// replace wraps img in a new artifact carrying prev's digest and releases prev.
func replace(prev *artifact.Artifact, img image.Image) *artifact.Artifact {
	next := artifact.New(img, artifact.WithDigest(prev.Digest()))
	prev.Release()
	return next
}

func resize(img image.Image, req *request.Request) image.Image {
	w, h := req.TargetWidth(), req.TargetHeight()
	switch req.Crop() {
	case request.CropCenter:
		return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	case request.CropInside:
		return imaging.Fit(img, w, h, imaging.Lanczos)
	default:
		return imaging.Resize(img, w, h, imaging.Lanczos)
	}
}

// orient returns img corrected for the EXIF orientation, or nil when no
// correction is needed.
func orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return nil
	}
}
