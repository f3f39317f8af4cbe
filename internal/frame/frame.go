// Package frame defines the image payload flowing from the producer to the
// workers and its JPEG wire encoding.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"
)

// Frame is one captured image. It is owned exclusively by whichever actor
// currently holds it: the producer until pushed, the queue while buffered,
// one worker after popped.
type Frame struct {
	Width      int
	Height     int
	Pix        []byte // RGBA, 4 bytes per pixel, row-major
	CapturedAt time.Time
}

// RGBA exposes the pixel buffer as a stdlib image sharing the same backing
// array.
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: 4 * f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

func (f *Frame) validate() error {
	if f.Width < 1 || f.Height < 1 {
		return fmt.Errorf("frame: invalid dimensions %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * 4; len(f.Pix) != want {
		return fmt.Errorf("frame: pixel buffer holds %d bytes, want %d", len(f.Pix), want)
	}
	return nil
}

// EncodeJPEG compresses f at the given quality (1..100) and returns the
// encoded bytes.
func EncodeJPEG(f *Frame, quality int) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("frame: jpeg quality %d out of range", quality)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.RGBA(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("frame: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
