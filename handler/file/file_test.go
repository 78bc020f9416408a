package file

import (
	"context"
	"image/color"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imageload/core/artifact"
	"github.com/meigma/imageload/core/handler"
	"github.com/meigma/imageload/core/request"
	"github.com/meigma/imageload/internal/testutil"
)

func newRequest(t *testing.T, uri string) *request.Request {
	t.Helper()
	req, err := request.New(request.URI(uri))
	require.NoError(t, err)
	return req
}

func TestHandlerCanHandle(t *testing.T) {
	t.Parallel()

	h := New(WithFs(afero.NewMemMapFs()))
	tests := []struct {
		uri  string
		want bool
	}{
		{uri: "file:///srv/img/a.png", want: true},
		{uri: "/srv/img/a.png", want: true},
		{uri: "img/a.png", want: false},
		{uri: "https://example.com/a.png", want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, h.CanHandle(newRequest(t, tt.uri)), tt.uri)
	}
}

func TestHandlerLoad(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/srv/img/a.png", testutil.PNG(5, 4, color.White), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/srv/img/junk.png", []byte("junk"), 0o644))
	require.NoError(t, fs.MkdirAll("/srv/img/dir", 0o755))
	h := New(WithFs(fs))

	tests := []struct {
		name    string
		uri     string
		wantErr error
		anyErr  bool
	}{
		{name: "file uri", uri: "file:///srv/img/a.png"},
		{name: "absolute path", uri: "/srv/img/a.png"},
		{name: "unclean path", uri: "/srv/img/../img/a.png"},
		{name: "missing", uri: "/srv/img/missing.png", wantErr: handler.ErrNotFound},
		{name: "undecodable", uri: "/srv/img/junk.png", wantErr: handler.ErrDecode},
		{name: "directory", uri: "/srv/img/dir", anyErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := h.Load(context.Background(), newRequest(t, tt.uri))
			switch {
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				require.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, artifact.Disk, res.From)
				assert.Equal(t, 5, res.Artifact.Bounds().Dx())
			}
		})
	}
}

func TestHandlerMaxBytes(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.png", testutil.PNG(32, 32, color.White), 0o644))

	_, err := New(WithFs(fs), WithMaxBytes(10)).Load(context.Background(), newRequest(t, "/a.png"))
	require.ErrorIs(t, err, ErrTooLarge)
}
