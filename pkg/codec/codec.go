// Package codec turns uploaded image bytes into normalized model input.
package codec

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/3FT-io/dermascan/pkg/core"
)

// DefaultSize is the square resolution images are resized to.
const DefaultSize = 256

// Codec decodes images and resizes them to a fixed square resolution.
type Codec struct {
	size int
}

// New returns a codec producing size×size RGB tensors.
func New(size int) *Codec {
	if size <= 0 {
		size = DefaultSize
	}
	return &Codec{size: size}
}

// Shape is the per-image shape of every tensor the codec produces.
func (c *Codec) Shape() core.Shape {
	return core.Shape{Height: c.size, Width: c.size, Channels: 3}
}

// DecodeAndNormalize decodes data, resizes it and scales pixels to [0,1]. The
// result has a leading batch dimension of 1.
func (c *Codec) DecodeAndNormalize(data []byte) (*core.Tensor, error) {
	return c.decode(bytes.NewReader(data), "")
}

// DecodeFile is DecodeAndNormalize for a file on disk.
func (c *Codec) DecodeFile(path string) (*core.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &core.DecodeError{Source: path, Err: err}
	}
	defer f.Close()
	return c.decode(f, path)
}

func (c *Codec) decode(r io.Reader, source string) (*core.Tensor, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &core.DecodeError{Source: source, Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &core.DecodeError{Source: source, Err: errors.New("empty image")}
	}
	return c.FromImage(img), nil
}

// FromImage resizes an already decoded image and normalizes it.
func (c *Codec) FromImage(img image.Image) *core.Tensor {
	resized := imaging.Resize(img, c.size, c.size, imaging.Linear)

	t := core.NewTensor(1, c.Shape())
	// Alpha is dropped, matching a plain RGB conversion.
	for y := 0; y < c.size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < c.size; x++ {
			src := row[x*4:]
			dst := t.Data[(y*c.size+x)*3:]
			dst[0] = float32(src[0]) / 255
			dst[1] = float32(src[1]) / 255
			dst[2] = float32(src[2]) / 255
		}
	}
	return t
}
