package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// CreateTempDir creates a temporary directory and returns its path along with a cleanup function
func CreateTempDir(t *testing.T, prefix string) (string, func()) {
	tmpDir, err := os.MkdirTemp("", prefix)
	require.NoError(t, err)

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return tmpDir, cleanup
}

// CreateTestFile creates a temporary file with the given content and returns its path
func CreateTestFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}

// SolidImage returns a w×h image filled with c.
func SolidImage(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// PNG encodes a solid w×h PNG.
func PNG(t *testing.T, w, h int, c color.Color) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, SolidImage(w, h, c)))
	return buf.Bytes()
}

// JPEG encodes a solid w×h JPEG.
func JPEG(t *testing.T, w, h int, c color.Color) []byte {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, SolidImage(w, h, c), &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// ClassColors gives each test class a distinct, easily separable color.
var ClassColors = map[string]color.NRGBA{
	"acne":    {R: 230, G: 20, B: 20, A: 255},
	"eczema":  {R: 20, G: 230, B: 20, A: 255},
	"fungal":  {R: 20, G: 20, B: 230, A: 255},
	"normal":  {R: 200, G: 200, B: 200, A: 255},
	"unknown": {R: 10, G: 10, B: 10, A: 255},
}

// WriteClassTree writes n small PNG files per class under root/<class>/ and
// returns root.
func WriteClassTree(t *testing.T, root string, counts map[string]int) string {
	for class, n := range counts {
		c, ok := ClassColors[class]
		if !ok {
			c = color.NRGBA{R: 128, G: 64, B: 32, A: 255}
		}
		for i := 0; i < n; i++ {
			path := filepath.Join(root, class, fmt.Sprintf("%s_%03d.png", class, i))
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
			require.NoError(t, os.WriteFile(path, PNG(t, 12+i%5, 10+i%3, c), 0644))
		}
	}
	return root
}
