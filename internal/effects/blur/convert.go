package blur

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// BT.601 full range YCbCr -> RGB contributions, fixed point
var (
	tablesOnce sync.Once
	crToR      [256]int32
	cbToB      [256]int32
	crToG      [256]int32
	cbToG      [256]int32
)

func initTables() {
	tablesOnce.Do(func() {
		for i := 0; i < 256; i++ {
			c := int32(i) - 128
			crToR[i] = (91881*c + (1 << 15)) >> 16
			cbToB[i] = (116130*c + (1 << 15)) >> 16
			crToG[i] = (46802*c + (1 << 15)) >> 16
			cbToG[i] = (22554*c + (1 << 15)) >> 16
		}
	})
}

// toMat converts a captured frame to a BGR Mat owned by the caller.
// Camera frames arrive as YCbCr and take the table-driven path.
func toMat(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.NewMat(), fmt.Errorf("blur: nil frame")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return gocv.NewMat(), fmt.Errorf("blur: empty frame")
	}

	switch im := img.(type) {
	case *image.YCbCr:
		return fromYCbCr(im)
	case *image.RGBA:
		return fromRGBA(im)
	default:
		return fromGeneric(img)
	}
}

func fromYCbCr(im *image.YCbCr) (gocv.Mat, error) {
	initTables()

	bounds := im.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)

	data, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("blur: failed to access Mat data: %w", err)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yi := im.YOffset(x+bounds.Min.X, y+bounds.Min.Y)
			ci := im.COffset(x+bounds.Min.X, y+bounds.Min.Y)

			luma := int32(im.Y[yi])
			cb, cr := im.Cb[ci], im.Cr[ci]

			i := (y*w + x) * 3
			data[i] = clampByte(luma + cbToB[cb])
			data[i+1] = clampByte(luma - cbToG[cb] - crToG[cr])
			data[i+2] = clampByte(luma + crToR[cr])
		}
	}
	return mat, nil
}

func fromRGBA(im *image.RGBA) (gocv.Mat, error) {
	w, h := im.Rect.Dx(), im.Rect.Dy()

	// NewMatFromBytes needs a tightly packed buffer
	buf := make([]byte, 4*w*h)
	for y := 0; y < h; y++ {
		src := im.PixOffset(im.Rect.Min.X, im.Rect.Min.Y+y)
		copy(buf[y*4*w:(y+1)*4*w], im.Pix[src:src+4*w])
	}

	rgba, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("blur: failed to create Mat from RGBA: %w", err)
	}
	defer rgba.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(rgba, &bgr, gocv.ColorRGBAToBGR)
	return bgr, nil
}

func fromGeneric(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)

	data, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("blur: failed to access Mat data: %w", err)
	}

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data[i] = uint8(b >> 8)
			data[i+1] = uint8(g >> 8)
			data[i+2] = uint8(r >> 8)
			i += 3
		}
	}
	return mat, nil
}

func clampByte(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
