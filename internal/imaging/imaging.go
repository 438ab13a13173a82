// Package imaging shrinks images before they are uploaded.
package imaging

import (
	"bytes"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"net/http"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder
)

const (
	// DefaultMaxEdge bounds the longer side of a compressed image.
	DefaultMaxEdge = 2048

	jpegQuality = 85
)

// Result is a compressed image.
type Result struct {
	Data        []byte
	ContentType string
	Ext         string
}

// Compress downscales data so its longer edge is at most maxEdge and
// re-encodes it as JPEG, or PNG when the image has transparency. Input that
// cannot be decoded is returned unchanged with a sniffed content type, as
// is input that would only grow by re-encoding.
func Compress(data []byte, maxEdge int) Result {
	if maxEdge <= 0 {
		maxEdge = DefaultMaxEdge
	}
	original := passthrough(data)

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return original
	}

	scaled := downscale(img, maxEdge)
	resized := scaled != img

	var (
		buf bytes.Buffer
		out Result
	)
	if hasAlpha(scaled) {
		if err := png.Encode(&buf, scaled); err != nil {
			return original
		}
		out = Result{ContentType: "image/png", Ext: ".png"}
	} else {
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return original
		}
		out = Result{ContentType: "image/jpeg", Ext: ".jpg"}
	}
	out.Data = buf.Bytes()

	if !resized && (format == "jpeg" || format == "png") && len(out.Data) >= len(data) {
		return original
	}
	return out
}

func downscale(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxEdge && h <= maxEdge {
		return img
	}

	var nw, nh int
	if w >= h {
		nw, nh = maxEdge, max(1, h*maxEdge/w)
	} else {
		nw, nh = max(1, w*maxEdge/h), maxEdge
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

func passthrough(data []byte) Result {
	ct := http.DetectContentType(data)
	return Result{Data: data, ContentType: ct, Ext: extFor(ct)}
}

func extFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
