package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"twine/internal/core/domain"
	"twine/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, name string, width, height int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func decodeDataURL(t *testing.T, url string) image.Rectangle {
	t.Helper()
	const prefix = "data:image/png;base64,"
	require.True(t, strings.HasPrefix(url, prefix), url)
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img.Bounds()
}

func TestDesktopCapturer_Sources(t *testing.T) {
	capturer := NewDesktopCapturer([]config.ScreenSourceConfig{
		{ID: "screen:0:0", Name: "Entire screen", Kind: "screen", Thumbnail: writePNG(t, "screen.png", 200, 100)},
		{ID: "window:1:0", Name: "Editor", Kind: "window", Icon: writePNG(t, "icon.png", 64, 64)},
		{ID: "window:2:0", Name: "Terminal", Kind: "window"},
	}, testLogger())

	sources, err := capturer.Sources(context.Background(), domain.DefaultCaptureSourceOptions())
	require.NoError(t, err)
	require.Len(t, sources, 3)

	assert.Equal(t, domain.CaptureSourceScreen, sources[0].Kind)
	assert.Equal(t, image.Rect(0, 0, 480, 240), decodeDataURL(t, sources[0].Thumbnail))
	assert.Empty(t, sources[0].AppIcon)

	assert.Equal(t, image.Rect(0, 0, 480, 270), decodeDataURL(t, sources[1].Thumbnail))
	assert.Equal(t, image.Rect(0, 0, 32, 32), decodeDataURL(t, sources[1].AppIcon))
	assert.Empty(t, sources[2].AppIcon)
}

func TestDesktopCapturer_Options(t *testing.T) {
	capturer := NewDesktopCapturer([]config.ScreenSourceConfig{
		{ID: "screen:0:0", Name: "Entire screen", Kind: "screen"},
		{ID: "window:1:0", Name: "Editor", Kind: "window", Icon: writePNG(t, "icon.png", 16, 16)},
	}, testLogger())

	sources, err := capturer.Sources(context.Background(), domain.CaptureSourceOptions{
		Types:           []domain.CaptureSourceKind{domain.CaptureSourceWindow},
		ThumbnailWidth:  160,
		ThumbnailHeight: 90,
	})
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "window:1:0", sources[0].ID)
	assert.Equal(t, image.Rect(0, 0, 160, 90), decodeDataURL(t, sources[0].Thumbnail))
	assert.Empty(t, sources[0].AppIcon, "icons are only fetched when asked for")
}

func TestDesktopCapturer_BadThumbnail(t *testing.T) {
	capturer := NewDesktopCapturer([]config.ScreenSourceConfig{
		{ID: "screen:0:0", Name: "Entire screen", Kind: "screen", Thumbnail: "/nonexistent.png"},
	}, testLogger())

	_, err := capturer.Sources(context.Background(), domain.DefaultCaptureSourceOptions())
	assert.Error(t, err)
}

func TestFit(t *testing.T) {
	assert.Equal(t, image.Rect(0, 0, 480, 240), fit(image.Rect(0, 0, 200, 100), 480, 270))
	assert.Equal(t, image.Rect(0, 0, 135, 270), fit(image.Rect(0, 0, 100, 200), 480, 270))
	assert.Equal(t, image.Rect(0, 0, 480, 270), fit(image.Rect(0, 0, 1920, 1080), 480, 270))
}
