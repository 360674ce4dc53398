package glbopt

import (
	"bytes"
	"image"
	"log/slog"

	"github.com/anthonynsimon/bild/transform"
	"github.com/chai2010/webp"
)

// TextureCodec is the lossy encode/decode pair used to squeeze textures.
type TextureCodec interface {
	EncodeLossy(img image.Image, quality int, keepAlpha bool) ([]byte, error)
	Decode(data []byte) (image.Image, error)
}

// WebPCodec compresses through lossy WebP.
type WebPCodec struct{}

func (WebPCodec) EncodeLossy(img image.Image, quality int, keepAlpha bool) ([]byte, error) {
	if keepAlpha {
		return webp.EncodeRGBA(img, float32(quality))
	}
	return webp.EncodeRGB(img, float32(quality))
}

func (WebPCodec) Decode(data []byte) (image.Image, error) {
	return webp.Decode(bytes.NewReader(data))
}

// TextureStats sums up one texture pass over a scene.
type TextureStats struct {
	Found     bool
	Processed int
	Failed    int
}

// TextureProcessor rescales and recompresses the base color textures of a
// scene. Only rasters it actually changes lose their original encoded
// bytes; untouched textures round-trip byte for byte.
type TextureProcessor struct {
	Config *Config
	Codec  TextureCodec
}

func NewTextureProcessor(cfg *Config) *TextureProcessor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &TextureProcessor{Config: cfg, Codec: WebPCodec{}}
}

// CompressSceneTextures applies resizeFactor and lossy quality to every
// distinct base color texture. Failures are logged per texture and the
// remaining textures still processed.
func (p *TextureProcessor) CompressSceneTextures(sc *Scene, quality int, resizeFactor float64) TextureStats {
	var stats TextureStats
	if sc == nil {
		return stats
	}
	seen := make(map[*Image]bool)
	for _, mat := range sc.Materials() {
		im := mat.Texture
		if im == nil || im.Width == 0 || im.Height == 0 {
			continue
		}
		stats.Found = true
		if seen[im] {
			continue
		}
		seen[im] = true
		changed, err := p.compressImage(im, quality, resizeFactor)
		switch {
		case err != nil:
			stats.Failed++
			Logger().Warn("texture compression failed",
				slog.String("texture", im.Name), slog.Any("error", err))
		case changed:
			stats.Processed++
		}
	}
	return stats
}

// CompressSceneTexturesLegacy is the older resolution-only path: textures
// are scaled to quality percent of their size and never re-encoded.
func (p *TextureProcessor) CompressSceneTexturesLegacy(sc *Scene, quality int) TextureStats {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	return p.CompressSceneTextures(sc, 100, float64(quality)/100)
}

func (p *TextureProcessor) compressImage(im *Image, quality int, factor float64) (bool, error) {
	changed := false
	min := p.Config.MinTextureSize
	if factor > 0 && factor < 1 && im.Width > min && im.Height > min {
		w := int(float64(im.Width) * factor)
		h := int(float64(im.Height) * factor)
		if w < min {
			w = min
		}
		if h < min {
			h = min
		}
		if w != im.Width || h != im.Height {
			resized := transform.Resize(im.ToImage(), w, h, transform.Lanczos)
			re := rasterWithMode(im.Name, resized, im.Mode)
			im.Width, im.Height, im.Pix = re.Width, re.Height, re.Pix
			im.SourceData, im.SourceMIME = nil, ""
			changed = true
			Logger().Debug("resized texture", slog.String("texture", im.Name),
				slog.Int("width", w), slog.Int("height", h))
		}
	}
	if quality > 0 && quality < 100 {
		data, err := p.Codec.EncodeLossy(im.ToImage(), quality, im.Mode == ChannelRGBA)
		if err != nil {
			return changed, err
		}
		decoded, err := p.Codec.Decode(data)
		if err != nil {
			return changed, err
		}
		re := rasterWithMode(im.Name, decoded, im.Mode)
		im.Width, im.Height, im.Pix = re.Width, re.Height, re.Pix
		im.SourceData, im.SourceMIME = nil, ""
		changed = true
	}
	return changed, nil
}
