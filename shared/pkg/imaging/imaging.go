// Package imaging converts provider output to PNG when it can be decoded.
package imaging

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// Result is the normalized output of a generation
type Result struct {
	Data      []byte
	Ext       string
	Converted bool
}

// Normalize returns PNG bytes for any decodable image. Input that is already
// PNG passes through untouched; undecodable input is returned as is with an
// extension guessed from its content.
func Normalize(data []byte) Result {
	if bytes.HasPrefix(data, pngMagic) {
		return Result{Data: data, Ext: "png"}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err == nil {
			return Result{Data: buf.Bytes(), Ext: "png", Converted: true}
		}
	}

	return Result{Data: data, Ext: ExtensionFor(data)}
}

// ExtensionFor guesses a file extension from content
func ExtensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/bmp":
		return "bmp"
	default:
		return "bin"
	}
}

// ContentType returns the MIME type served for an extension
func ContentType(ext string) string {
	switch ext {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "bmp":
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}
