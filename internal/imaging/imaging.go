// Package imaging renders a reconstructed JPEG page-fault trace
// (internal/jpegfsm.Reconstruct) to an image file. Literal bitmap encoding
// is out of scope for this toolkit (see the governing design document §1);
// this substitutes a PNG sink built on a real raster library from the
// retrieved example pack rather than hand-rolled stdlib image plumbing.
package imaging

import (
	"image"
	"image/color"
	"image/png"
	"os"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"sgxtlblur/internal/jpegfsm"
)

// ImageSink renders a reconstruction buffer to a file at path.
type ImageSink interface {
	WritePNG(path string, rec *jpegfsm.Reconstruct, colorMode bool) error
}

// GGSink renders through github.com/fogleman/gg's raster context, mirroring
// the canvas-allocate-then-save idiom used elsewhere in the retrieved
// example pack, with individual pixels written directly onto the
// underlying image.RGBA rather than drawn as shapes.
type GGSink struct{}

// WritePNG paints rec into a raster context sized to rec.Size() and saves it
// as a PNG at path. When colorMode is false, every channel renders the same
// normalized greyscale value (channel 0 of rec); when true, rec must have
// exactly 3 channels, mapped 1:1 to R/G/B.
func (GGSink) WritePNG(path string, rec *jpegfsm.Reconstruct, colorMode bool) error {
	width, height := rec.Size()
	if width == 0 || height == 0 {
		return errors.New("imaging: reconstruction buffer is empty")
	}
	if colorMode && rec.NumColors() != 3 {
		return errors.Errorf("imaging: color output requires 3 channels, got %d", rec.NumColors())
	}

	ctx := gg.NewContext(width, height)
	img := ctx.Image().(*image.RGBA)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var px color.RGBA
			if colorMode {
				px = color.RGBA{
					R: rec.NormalizedPixel(jpegfsm.Red, x, y),
					G: rec.NormalizedPixel(jpegfsm.Green, x, y),
					B: rec.NormalizedPixel(jpegfsm.Blue, x, y),
					A: 0xff,
				}
			} else {
				v := rec.NormalizedPixel(jpegfsm.Gray, x, y)
				px = color.RGBA{R: v, G: v, B: v, A: 0xff}
			}
			img.Set(x, y, px)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "imaging: create %s", path)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return errors.Wrapf(err, "imaging: encode %s", path)
	}
	return nil
}
