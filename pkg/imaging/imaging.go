// Package imaging converts captured frames into compact JPEG payloads for
// vision-language models, previews, and the snapshot archive.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/MrWong99/terrarover/pkg/types"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 85

// ErrEmptyFrame is returned for frames without pixel data.
var ErrEmptyFrame = errors.New("imaging: empty frame")

// Decode turns f into an image. BGR frames are converted to RGBA; JPEG frames
// are decoded.
func Decode(f types.Frame) (image.Image, error) {
	if len(f.Data) == 0 {
		return nil, ErrEmptyFrame
	}
	switch f.Format {
	case types.PixelFormatBGR24:
		if f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height*3 {
			return nil, fmt.Errorf("imaging: frame %s: %d bytes for %dx%d bgr24", f.Key(), len(f.Data), f.Width, f.Height)
		}
		img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
		for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
			img.Pix[j+0] = f.Data[i+2]
			img.Pix[j+1] = f.Data[i+1]
			img.Pix[j+2] = f.Data[i+0]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	case types.PixelFormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("imaging: decode frame %s: %w", f.Key(), err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("imaging: frame %s: unsupported format %q", f.Key(), f.Format)
	}
}

// Fit scales img down so that neither side exceeds maxDim, keeping the aspect
// ratio. Images already within bounds, or maxDim <= 0, are returned as is.
func Fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return img
	}
	nw, nh := maxDim, maxDim
	if w >= h {
		nh = max(1, h*maxDim/w)
	} else {
		nw = max(1, w*maxDim/h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img. A quality outside 1..100 uses [DefaultQuality].
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("imaging: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Options controls [JPEG].
type Options struct {
	// MaxDimension bounds the longer side. Zero keeps the source size.
	MaxDimension int

	// Quality is the JPEG quality (1..100). Zero uses [DefaultQuality].
	Quality int
}

// JPEG renders f as a JPEG. A JPEG frame that needs no scaling is returned
// without re-encoding.
func JPEG(f types.Frame, opts Options) ([]byte, error) {
	if f.Format == types.PixelFormatJPEG && opts.MaxDimension <= 0 && len(f.Data) > 0 {
		return f.Data, nil
	}
	img, err := Decode(f)
	if err != nil {
		return nil, err
	}
	return EncodeJPEG(Fit(img, opts.MaxDimension), opts.Quality)
}

// DataURL wraps JPEG bytes in a base64 data URL as accepted by OpenAI-style
// image content parts.
func DataURL(jpegData []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)
}
