package glbopt

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/chai2010/tiff"
	"github.com/chai2010/webp"
	"github.com/chewxy/math32"
	"golang.org/x/image/bmp"

	_ "golang.org/x/image/webp"
)

func readImage(rd io.Reader, ft string) (image.Image, error) {
	switch ft {
	case "jpeg", "jpg":
		return jpeg.Decode(rd)
	case "png":
		return png.Decode(rd)
	case "gif":
		return gif.Decode(rd)
	case "bmp":
		return bmp.Decode(rd)
	case "tif", "tiff":
		return tiff.Decode(rd)
	case "webp":
		return webp.Decode(rd)
	default:
		return nil, errors.New("unknow format")
	}
}

// decodeEmbedded decodes texture bytes, trusting the declared MIME type
// first and falling back to content sniffing.
func decodeEmbedded(mime string, data []byte) (image.Image, error) {
	switch mime {
	case "image/png":
		return png.Decode(bytes.NewReader(data))
	case "image/jpeg", "image/jpg":
		return jpeg.Decode(bytes.NewReader(data))
	case "image/webp":
		return webp.Decode(bytes.NewReader(data))
	case "image/gif":
		return gif.Decode(bytes.NewReader(data))
	case "image/bmp":
		return bmp.Decode(bytes.NewReader(data))
	case "image/tiff":
		return tiff.Decode(bytes.NewReader(data))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func sniffMIME(data []byte) string {
	_, ft, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return mimeOf(ft)
}

func mimeOf(ft string) string {
	switch ft {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "tif", "tiff":
		return "image/tiff"
	case "webp":
		return "image/webp"
	}
	return ""
}

// rasterWithMode samples img into a float raster with the given layout.
func rasterWithMode(name string, img image.Image, mode ChannelMode) *Image {
	bd := img.Bounds()
	w, h := bd.Dx(), bd.Dy()
	out := &Image{Name: name, Width: w, Height: h, Mode: mode,
		Pix: make([]float32, w*h*mode.Channels())}
	i := 0
	for y := bd.Min.Y; y < bd.Max.Y; y++ {
		for x := bd.Min.X; x < bd.Max.X; x++ {
			switch mode {
			case ChannelL:
				r, _, _, _ := img.At(x, y).RGBA()
				out.Pix[i] = float32(r) / 65535
				i++
			case ChannelRGB:
				r, g, b, _ := img.At(x, y).RGBA()
				out.Pix[i] = float32(r) / 65535
				out.Pix[i+1] = float32(g) / 65535
				out.Pix[i+2] = float32(b) / 65535
				i += 3
			default:
				// RGBA() is premultiplied, that would bake the alpha
				// into the color channels.
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				out.Pix[i] = float32(c.R) / 255
				out.Pix[i+1] = float32(c.G) / 255
				out.Pix[i+2] = float32(c.B) / 255
				out.Pix[i+3] = float32(c.A) / 255
				i += 4
			}
		}
	}
	return out
}

func rasterFromImage(name string, img image.Image) *Image {
	mode := ChannelRGBA
	if _, ok := img.(*image.Gray); ok {
		mode = ChannelL
	} else if op, ok := img.(interface{ Opaque() bool }); ok && op.Opaque() {
		mode = ChannelRGB
	}
	return rasterWithMode(name, img, mode)
}

func quant8(v float32) uint8 {
	v = math32.Min(math32.Max(v, 0), 1)
	return uint8(math32.Round(v * 255))
}

// ToImage converts the raster back to a stdlib image for re-encoding.
func (im *Image) ToImage() image.Image {
	if im.Mode == ChannelL {
		gray := image.NewGray(image.Rect(0, 0, im.Width, im.Height))
		for i, v := range im.Pix {
			gray.Pix[i] = quant8(v)
		}
		return gray
	}
	rgba := image.NewNRGBA(image.Rect(0, 0, im.Width, im.Height))
	ch := im.Mode.Channels()
	for p := 0; p < im.Width*im.Height; p++ {
		src := p * ch
		dst := p * 4
		rgba.Pix[dst] = quant8(im.Pix[src])
		rgba.Pix[dst+1] = quant8(im.Pix[src+1])
		rgba.Pix[dst+2] = quant8(im.Pix[src+2])
		if ch == 4 {
			rgba.Pix[dst+3] = quant8(im.Pix[src+3])
		} else {
			rgba.Pix[dst+3] = 0xff
		}
	}
	return rgba
}

func encodePNG(im *Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, im.ToImage()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
