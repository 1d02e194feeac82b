package dataset

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Channels is the number of color channels in a decoded sample
const Channels = 3

var interpolators = map[string]draw.Interpolator{
	Nearest:    draw.NearestNeighbor,
	Bilinear:   draw.BiLinear,
	CatmullRom: draw.CatmullRom,
}

// decodeInto reads one image, resizes it to res x res and writes RGB values
// scaled by rescale into dst in row-major HWC order. Alpha is dropped and
// color is read unpremultiplied.
func decodeInto(dst []float64, path string, res int, rescale float64, interp draw.Interpolator) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open image")
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	if src.Bounds().Empty() {
		return errors.Errorf("decode %s: empty image", path)
	}

	canvas := canvases.Get(res)
	defer canvases.Put(canvas)
	interp.Scale(canvas, canvas.Bounds(), src, src.Bounds(), draw.Src, nil)

	i := 0
	for y := 0; y < res; y++ {
		row := canvas.Pix[y*canvas.Stride : y*canvas.Stride+res*4]
		for x := 0; x < res; x++ {
			px := row[x*4 : x*4+4]
			dst[i] = float64(px[0]) * rescale
			dst[i+1] = float64(px[1]) * rescale
			dst[i+2] = float64(px[2]) * rescale
			i += Channels
		}
	}
	return nil
}
