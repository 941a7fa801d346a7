package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"slices"

	"twine/internal/core/domain"
	"twine/pkg/config"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

var placeholderColor = color.RGBA{R: 0x2b, G: 0x2d, B: 0x31, A: 0xff}

// DesktopCapturer lists the configured screens and windows with thumbnails
// rendered as PNG data URLs.
type DesktopCapturer struct {
	sources []config.ScreenSourceConfig
	logger  *zap.SugaredLogger
}

func NewDesktopCapturer(sources []config.ScreenSourceConfig, logger *zap.SugaredLogger) *DesktopCapturer {
	return &DesktopCapturer{sources: sources, logger: logger}
}

func (d *DesktopCapturer) Sources(ctx context.Context, opts domain.CaptureSourceOptions) ([]domain.CaptureSource, error) {
	def := domain.DefaultCaptureSourceOptions()
	if len(opts.Types) == 0 {
		opts.Types = def.Types
	}
	if opts.ThumbnailWidth <= 0 || opts.ThumbnailHeight <= 0 {
		opts.ThumbnailWidth, opts.ThumbnailHeight = def.ThumbnailWidth, def.ThumbnailHeight
	}

	out := make([]domain.CaptureSource, 0, len(d.sources))
	for _, s := range d.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind := domain.CaptureSourceKind(s.Kind)
		if !slices.Contains(opts.Types, kind) {
			continue
		}

		thumb, err := d.thumbnail(s.Thumbnail, opts.ThumbnailWidth, opts.ThumbnailHeight)
		if err != nil {
			return nil, fmt.Errorf("thumbnail for %s: %w", s.ID, err)
		}
		source := domain.CaptureSource{ID: s.ID, Name: s.Name, Kind: kind, Thumbnail: thumb}
		if opts.FetchWindowIcons && kind == domain.CaptureSourceWindow && s.Icon != "" {
			if icon, err := d.thumbnail(s.Icon, 32, 32); err == nil {
				source.AppIcon = icon
			} else {
				d.logger.Debugw("Skipping window icon", "source_id", s.ID, "error", err)
			}
		}
		out = append(out, source)
	}
	return out, nil
}

// thumbnail scales the image at path to fit width x height. An empty path
// renders a blank placeholder.
func (d *DesktopCapturer) thumbnail(path string, width, height int) (string, error) {
	if path == "" {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.Draw(img, img.Bounds(), &image.Uniform{C: placeholderColor}, image.Point{}, draw.Src)
		return encodeDataURL(img)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	dst := image.NewRGBA(fit(src.Bounds(), width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return encodeDataURL(dst)
}

// fit returns the largest rectangle with the aspect ratio of b inside width x height.
func fit(b image.Rectangle, width, height int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return image.Rect(0, 0, width, height)
	}
	if w*height > h*width {
		return image.Rect(0, 0, width, max(1, h*width/w))
	}
	return image.Rect(0, 0, max(1, w*height/h), height)
}

func encodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
