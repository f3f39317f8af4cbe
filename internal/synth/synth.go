// Package synth generates pseudo-random image frames, standing in for a
// real capture device.
package synth

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/Nach0t/siss/internal/frame"
)

// Source produces noise frames of fixed dimensions. Generate is called from
// a single producer goroutine; Source is not safe for concurrent use.
type Source struct {
	width  int
	height int
	rng    *rand.Rand
}

// New returns a Source emitting width x height frames with randomized
// content.
func New(width, height int) *Source {
	return NewWithSeed(width, height, rand.Uint64())
}

// NewWithSeed returns a deterministic Source for tests.
func NewWithSeed(width, height int, seed uint64) *Source {
	return &Source{
		width:  width,
		height: height,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Generate synthesizes one frame. It never blocks beyond the allocation and
// fill of the pixel buffer.
func (s *Source) Generate(ctx context.Context) (*frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.width < 1 || s.height < 1 {
		return nil, fmt.Errorf("synth: invalid dimensions %dx%d", s.width, s.height)
	}
	pix := make([]byte, s.width*s.height*4)
	i := 0
	for ; i+8 <= len(pix); i += 8 {
		v := s.rng.Uint64()
		pix[i] = byte(v)
		pix[i+1] = byte(v >> 8)
		pix[i+2] = byte(v >> 16)
		pix[i+3] = byte(v >> 24)
		pix[i+4] = byte(v >> 32)
		pix[i+5] = byte(v >> 40)
		pix[i+6] = byte(v >> 48)
		pix[i+7] = byte(v >> 56)
	}
	for v := s.rng.Uint64(); i < len(pix); i++ {
		pix[i] = byte(v)
		v >>= 8
	}
	// Pixel buffers are RGBA; force the alpha channel opaque.
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xff
	}
	return &frame.Frame{
		Width:      s.width,
		Height:     s.height,
		Pix:        pix,
		CapturedAt: time.Now().UTC(),
	}, nil
}
