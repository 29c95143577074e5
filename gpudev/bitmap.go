package gpudev

import (
	"image"
	stddraw "image/draw"

	"golang.org/x/image/draw"
)

// BitmapFromImage converts an image into a Bitmap at its native size.
func BitmapFromImage(img image.Image) *Bitmap {
	bounds := img.Bounds()
	return ScaledBitmapFromImage(img, uint32(bounds.Dx()), uint32(bounds.Dy()))
}

// ScaledBitmapFromImage converts an image into a Bitmap of the given size,
// scaling with bilinear interpolation when the sizes differ.
func ScaledBitmapFromImage(img image.Image, width, height uint32) *Bitmap {
	if width == 0 || height == 0 {
		return NewBitmap(0, 0)
	}

	rgba := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	bounds := img.Bounds()
	if uint32(bounds.Dx()) == width && uint32(bounds.Dy()) == height {
		stddraw.Draw(rgba, rgba.Bounds(), img, bounds.Min, stddraw.Src)
	} else {
		draw.ApproxBiLinear.Scale(rgba, rgba.Bounds(), img, bounds, draw.Src, nil)
	}

	bm := NewBitmap(width, height)
	for y := uint32(0); y < height; y++ {
		row := rgba.Pix[int(y)*rgba.Stride:]
		for x := uint32(0); x < width; x++ {
			px := row[int(x)*4 : int(x)*4+4]
			bm.Pixels[y*width+x] = Pixel{px[0], px[1], px[2], px[3]}
		}
	}
	return bm
}
