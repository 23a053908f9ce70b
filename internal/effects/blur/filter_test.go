package blur

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/pion/mediadevices/pkg/io/video"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/callcore/internal/effects"
)

func TestKernelSize(t *testing.T) {
	tests := []struct {
		level int
		want  int
	}{
		{0, 0},
		{1, 5},
		{5, 21},
		{10, 41},
		{15, 41},
		{-2, 0},
	}
	for _, tt := range tests {
		got := KernelSize(tt.level)
		if got != tt.want {
			t.Errorf("KernelSize(%d) = %d, want %d", tt.level, got, tt.want)
		}
		if got != 0 && got%2 == 0 {
			t.Errorf("KernelSize(%d) = %d is not odd", tt.level, got)
		}
	}
}

// checkerboard has hard edges a blur must soften
func checkerboard(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/4+y/4)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func frameSource(img image.Image, released *int) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		return img, func() { *released++ }, nil
	})
}

func TestFilterPassesThroughWhenDisabled(t *testing.T) {
	f := NewFilter(zaptest.NewLogger(t))
	src := checkerboard(32, 32)
	released := 0

	r := f.Transform(frameSource(src, &released))
	out, release, err := r.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if out != image.Image(src) {
		t.Fatal("Expected the original frame while blur is off")
	}
	release()
	if released != 1 {
		t.Fatalf("Expected the source release to be passed through, got %d", released)
	}
}

func TestFilterBlursWhenEnabled(t *testing.T) {
	f := NewFilter(zaptest.NewLogger(t))
	if err := f.Apply(context.Background(), effects.State{BlurEnabled: true, BlurLevel: 3}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	src := checkerboard(32, 32)
	released := 0
	out, release, err := f.Transform(frameSource(src, &released)).Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	defer release()

	if released != 1 {
		t.Fatal("Source frame should be released once copied")
	}
	if out.Bounds().Dx() != 32 || out.Bounds().Dy() != 32 {
		t.Fatalf("Blurred frame changed size: %v", out.Bounds())
	}

	// A pixel on a hard edge ends up grey
	r, _, _, _ := out.At(4, 4).RGBA()
	if r == 0 || r == 0xffff {
		t.Fatalf("Expected a softened edge, got %d", r)
	}
}

func TestToMatYCbCr(t *testing.T) {
	img := image.NewYCbCr(image.Rect(0, 0, 8, 6), image.YCbCrSubsampleRatio422)
	for i := range img.Y {
		img.Y[i] = 235
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}

	mat, err := toMat(img)
	if err != nil {
		t.Fatalf("toMat failed: %v", err)
	}
	defer mat.Close()

	if mat.Cols() != 8 || mat.Rows() != 6 || mat.Channels() != 3 {
		t.Fatalf("Unexpected Mat %dx%dx%d", mat.Cols(), mat.Rows(), mat.Channels())
	}
	if v := mat.GetVecbAt(0, 0); v[0] != 235 || v[1] != 235 || v[2] != 235 {
		t.Fatalf("Neutral chroma should give grey, got %v", v)
	}

	if _, err := toMat(nil); err == nil {
		t.Fatal("Expected an error for a nil frame")
	}
}
