package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func sample() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 80), B: 10, A: 255})
		}
	}
	return img
}

func TestNormalizePNGPassThrough(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, sample()))

	res := Normalize(buf.Bytes())
	assert.Equal(t, "png", res.Ext)
	assert.False(t, res.Converted)
	assert.Equal(t, buf.Bytes(), res.Data)
}

func TestNormalizeConvertsToPNG(t *testing.T) {
	encoders := map[string]func(*bytes.Buffer) error{
		"jpeg": func(b *bytes.Buffer) error { return jpeg.Encode(b, sample(), nil) },
		"bmp":  func(b *bytes.Buffer) error { return bmp.Encode(b, sample()) },
	}

	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, encode(&buf))

			res := Normalize(buf.Bytes())
			assert.Equal(t, "png", res.Ext)
			assert.True(t, res.Converted)

			img, err := png.Decode(bytes.NewReader(res.Data))
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())
		})
	}
}

func TestNormalizeKeepsUndecodable(t *testing.T) {
	data := []byte("definitely not an image")
	res := Normalize(data)
	assert.Equal(t, data, res.Data)
	assert.Equal(t, "bin", res.Ext)
	assert.False(t, res.Converted)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", ContentType("png"))
	assert.Equal(t, "image/jpeg", ContentType("jpg"))
	assert.Equal(t, "application/octet-stream", ContentType("bin"))
}
