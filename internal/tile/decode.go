package tile

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type decodeResult struct {
	img *image.RGBA
	err error
}

// decodeAsync decodes on its own goroutine so fetch orchestration is never
// blocked by a large image. A panic inside the decoder is reported as a
// task error.
func decodeAsync(ctx context.Context, data []byte) (*image.RGBA, error) {
	done := make(chan decodeResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- decodeResult{err: &Error{Kind: KindTask, Err: fmt.Errorf("decoder panicked: %v", r)}}
			}
		}()
		img, err := Decode(data)
		done <- decodeResult{img: img, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.img, res.err
	}
}

// Decode converts compressed jpeg, png or webp bytes into an RGBA buffer
func Decode(data []byte) (*image.RGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &Error{Kind: KindDecode, Err: err}
	}

	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba, nil
	}

	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

// DecodeSize reads only the header of an image and returns its dimensions
func DecodeSize(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func assertSquare(img *image.RGBA, backend string, id ID) {
	b := img.Bounds()
	if b.Dx() != b.Dy() {
		panic(fmt.Sprintf("tile: %s returned non-square image %dx%d for %s", backend, b.Dx(), b.Dy(), id))
	}
}
