package classifier

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// FrameImage copies frame pixels into an image.RGBA, converting from the
// frame's pixel format.
func FrameImage(f *types.Frame) (*image.RGBA, error) {
	if f == nil {
		return nil, fmt.Errorf("classifier: nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("classifier: invalid frame size %dx%d", f.Width, f.Height)
	}
	bpp := f.Format.BytesPerPixel()
	if need := f.Width * f.Height * bpp; len(f.Data) < need {
		return nil, fmt.Errorf("classifier: frame data too short (%d bytes, need %d for %dx%d %s)",
			len(f.Data), need, f.Width, f.Height, f.Format)
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	pix := img.Pix
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		src := f.Data[i*bpp : i*bpp+bpp]
		dst := pix[i*4 : i*4+4]
		switch f.Format {
		case types.FormatBGRA:
			dst[0], dst[1], dst[2], dst[3] = src[2], src[1], src[0], src[3]
		case types.FormatRGBA:
			copy(dst, src)
		case types.FormatRGB:
			dst[0], dst[1], dst[2], dst[3] = src[0], src[1], src[2], 0xff
		default:
			return nil, fmt.Errorf("classifier: unsupported pixel format %s", f.Format)
		}
	}
	return img, nil
}

// centerSquare returns the largest square centered in r.
func centerSquare(r image.Rectangle) image.Rectangle {
	side := r.Dx()
	if r.Dy() < side {
		side = r.Dy()
	}
	x0 := r.Min.X + (r.Dx()-side)/2
	y0 := r.Min.Y + (r.Dy()-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// Prepare center-crops the frame to a square and scales it to size×size,
// the model input.
func Prepare(f *types.Frame, size int) (*image.RGBA, error) {
	if size <= 0 {
		return nil, fmt.Errorf("classifier: invalid input size %d", size)
	}
	src, err := FrameImage(f)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, centerSquare(src.Bounds()), draw.Src, nil)
	return dst, nil
}

// packRGB drops the alpha channel: the worker expects tightly packed RGB.
func packRGB(img *image.RGBA) []byte {
	n := img.Rect.Dx() * img.Rect.Dy()
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		out = append(out, img.Pix[i*4], img.Pix[i*4+1], img.Pix[i*4+2])
	}
	return out
}
