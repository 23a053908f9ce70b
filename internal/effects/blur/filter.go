// Package blur blurs outgoing camera frames with OpenCV.
package blur

import (
	"context"
	"image"
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/io/video"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/callcore/internal/effects"
)

// Filter is an effects.Applier whose Transform is attached to the outgoing
// video track. Frames pass through untouched while blur is off.
type Filter struct {
	state  atomic.Value // effects.State
	logger *zap.Logger
}

func NewFilter(logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.L()
	}
	f := &Filter{logger: logger.Named("blur")}
	f.state.Store(effects.State{})
	return f
}

// Apply installs s for subsequent frames
func (f *Filter) Apply(_ context.Context, s effects.State) error {
	f.state.Store(s)
	return nil
}

func (f *Filter) current() effects.State {
	return f.state.Load().(effects.State)
}

// KernelSize maps a blur level to an odd Gaussian kernel size; 0 means no blur
func KernelSize(level int) int {
	level = effects.ClampBlurLevel(level)
	if level == 0 {
		return 0
	}
	return level*4 + 1
}

// Transform is the mediadevices frame hook
func (f *Filter) Transform(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil {
			return img, release, err
		}

		s := f.current()
		k := KernelSize(s.BlurLevel)
		if !s.BlurEnabled || k == 0 {
			return img, release, nil
		}

		blurred, err := f.blur(img, k)
		if err != nil {
			f.logger.Debug("Passing frame through unblurred", zap.Error(err))
			return img, release, nil
		}
		release()
		return blurred, func() {}, nil
	})
}

func (f *Filter) blur(img image.Image, kernel int) (image.Image, error) {
	src, err := toMat(img)
	defer src.Close()
	if err != nil {
		return nil, err
	}

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.GaussianBlur(src, &dst, image.Pt(kernel, kernel), 0, 0, gocv.BorderDefault)

	return dst.ToImage()
}
