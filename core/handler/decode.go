package handler

import (
	"bytes"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
	"github.com/opencontainers/go-digest"

	"github.com/meigma/imageload/core/artifact"
)

// Decode reads an encoded image (PNG, JPEG, GIF, BMP or TIFF) and returns it
// upright, with EXIF orientation already applied. The artifact records the
// sha256 digest of the encoded bytes.
func Decode(r io.Reader) (*artifact.Artifact, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(data)
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(data []byte) (*artifact.Artifact, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return artifact.New(img, artifact.WithDigest(digest.FromBytes(data))), nil
}
