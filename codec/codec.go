// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

// Package codec is the byte-oriented image conversion adapter. Convert takes
// input bytes and an option record and returns output bytes plus metadata;
// no decoded pixel state crosses the package boundary.
package codec

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/imgbase/imgbase/errs"
)

// Metadata describes a decoded or produced image.
type Metadata struct {
	OriginalFormat Format `json:"original_format,omitempty"`
	Format         Format `json:"format"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Size           int    `json:"size"`
	Mode           string `json:"mode,omitempty"`
}

// Sniff identifies the container format from magic bytes. Returns "" when
// the signature is not a supported image format.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("\xff\xd8\xff")):
		return FormatJPEG
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return FormatGIF
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWEBP
	case len(data) >= 2 && bytes.Equal(data[:2], []byte("BM")):
		return FormatBMP
	case len(data) >= 4 && (bytes.Equal(data[:4], []byte("II*\x00")) || bytes.Equal(data[:4], []byte("MM\x00*"))):
		return FormatTIFF
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("\x00\x00\x01\x00")):
		return FormatICO
	default:
		return ""
	}
}

// Decode decodes input bytes into pixels, dispatching on the sniffed format.
func Decode(data []byte) (image.Image, Format, error) {
	f := Sniff(data)
	if f == "" {
		return nil, "", errs.New(errs.UnsupportedFormat, "unrecognised image signature")
	}
	var (
		img image.Image
		err error
	)
	r := bytes.NewReader(data)
	switch f {
	case FormatPNG:
		img, err = png.Decode(r)
	case FormatJPEG:
		img, err = jpeg.Decode(r)
	case FormatGIF:
		img, err = gif.Decode(r)
	case FormatWEBP:
		img, err = webp.Decode(r)
	case FormatBMP:
		img, err = bmp.Decode(r)
	case FormatTIFF:
		img, err = tiff.Decode(r)
	case FormatICO:
		img, err = decodeICO(data)
	}
	if err != nil {
		return nil, f, errs.Wrap(errs.CodecFailed, err, "decoding %s", f)
	}
	return img, f, nil
}

// Probe reads just enough of the input to report format, dimensions and
// colour mode without a full pixel decode (except for ICO, whose directory
// carries the dimensions directly).
func Probe(data []byte) (*Metadata, error) {
	f := Sniff(data)
	if f == "" {
		return nil, errs.New(errs.UnsupportedFormat, "unrecognised image signature")
	}
	var (
		cfg image.Config
		err error
	)
	r := bytes.NewReader(data)
	switch f {
	case FormatPNG:
		cfg, err = png.DecodeConfig(r)
	case FormatJPEG:
		cfg, err = jpeg.DecodeConfig(r)
	case FormatGIF:
		cfg, err = gif.DecodeConfig(r)
	case FormatWEBP:
		cfg, err = webp.DecodeConfig(r)
	case FormatBMP:
		cfg, err = bmp.DecodeConfig(r)
	case FormatTIFF:
		cfg, err = tiff.DecodeConfig(r)
	case FormatICO:
		cfg, err = decodeICOConfig(data)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodecFailed, err, "probing %s", f)
	}
	return &Metadata{
		Format: f,
		Width:  cfg.Width,
		Height: cfg.Height,
		Size:   len(data),
		Mode:   colorMode(cfg.ColorModel),
	}, nil
}

// Convert runs the full pipeline: decode, resize, rotate, flip, encode.
// Unset target format re-encodes in the source format. The returned metadata
// describes the produced artifact.
func Convert(data []byte, o Options) ([]byte, *Metadata, error) {
	o = o.Normalized()
	if err := o.Validate(); err != nil {
		return nil, nil, err
	}
	img, orig, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	target := o.TargetFormat
	if target == "" {
		target = orig
	}

	if o.ResizeWidth > 0 || o.ResizeHeight > 0 {
		img = resize(img, o)
	}
	switch o.RotationAngle {
	case 90:
		img = imaging.Rotate90(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate270(img)
	}
	if o.FlipHorizontal {
		img = imaging.FlipH(img)
	}
	if o.FlipVertical {
		img = imaging.FlipV(img)
	}

	out, err := encode(img, target, o.Quality)
	if err != nil {
		return nil, nil, err
	}
	b := img.Bounds()
	return out, &Metadata{
		OriginalFormat: orig,
		Format:         target,
		Width:          b.Dx(),
		Height:         b.Dy(),
		Size:           len(out),
		Mode:           colorMode(img.ColorModel()),
	}, nil
}

func resize(img image.Image, o Options) image.Image {
	w, h := o.ResizeWidth, o.ResizeHeight
	if o.MaintainAspectRatio {
		if w > 0 && h > 0 {
			return imaging.Fit(img, w, h, imaging.Lanczos)
		}
		// A single dimension preserves the ratio by construction.
		return imaging.Resize(img, w, h, imaging.Lanczos)
	}
	b := img.Bounds()
	if w == 0 {
		w = b.Dx()
	}
	if h == 0 {
		h = b.Dy()
	}
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

func encode(img image.Image, f Format, quality int) ([]byte, error) {
	if quality == 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	var err error
	switch f {
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case FormatGIF:
		err = imaging.Encode(&buf, img, imaging.GIF)
	case FormatBMP:
		err = imaging.Encode(&buf, img, imaging.BMP)
	case FormatTIFF:
		err = imaging.Encode(&buf, img, imaging.TIFF)
	case FormatICO:
		err = encodeICO(&buf, img)
	case FormatWEBP:
		// x/image/webp is decode-only and no pure-Go encoder exists.
		return nil, errs.New(errs.UnsupportedFormat, "encoding to WEBP is not supported")
	default:
		return nil, errs.New(errs.UnsupportedFormat, "unknown target format %q", f)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodecFailed, err, "encoding %s", f)
	}
	return buf.Bytes(), nil
}

// colorMode maps a colour model onto the usual raster-tool mode names.
func colorMode(m color.Model) string {
	switch m {
	case color.RGBAModel, color.RGBA64Model:
		return "RGBA"
	case color.NRGBAModel, color.NRGBA64Model:
		return "RGBA"
	case color.GrayModel, color.Gray16Model:
		return "L"
	case color.CMYKModel:
		return "CMYK"
	case color.YCbCrModel:
		return "RGB"
	}
	if _, ok := m.(color.Palette); ok {
		return "P"
	}
	return "RGB"
}
