package beacon

import (
	"image"
	"image/color"
	"io"

	"golang.org/x/image/bmp"
)

// Gray returns an 8-bit view of the frame stretched so the brightest pixel
// is white.
func (img *Image) Gray() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, img.Area.W, img.Area.H))
	var top uint16
	for _, v := range img.Data {
		top = max(top, v)
	}
	if top == 0 {
		return out
	}
	for i, v := range img.Data {
		out.Pix[i] = uint8(uint32(v) * 255 / uint32(top))
	}
	return out
}

// WriteBMP writes the frame as a grayscale bitmap. When mark is set each
// group centroid is drawn as a single white pixel.
func (img *Image) WriteBMP(w io.Writer, mark bool) error {
	g := img.Gray()
	if mark {
		for _, grp := range img.Groups {
			x := int(grp.X+0.5) - img.Area.X
			y := int(grp.Y+0.5) - img.Area.Y
			g.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return bmp.Encode(w, g)
}
