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

package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/imgbase/imgbase/errs"
)

// Format names an image container format.
type Format string

const (
	FormatPNG  Format = "PNG"
	FormatJPEG Format = "JPEG"
	FormatWEBP Format = "WEBP"
	FormatGIF  Format = "GIF"
	FormatBMP  Format = "BMP"
	FormatTIFF Format = "TIFF"
	FormatICO  Format = "ICO"
)

// ParseFormat normalises a user-supplied format name. JPG is accepted as an
// alias of JPEG.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PNG":
		return FormatPNG, nil
	case "JPEG", "JPG":
		return FormatJPEG, nil
	case "WEBP":
		return FormatWEBP, nil
	case "GIF":
		return FormatGIF, nil
	case "BMP":
		return FormatBMP, nil
	case "TIFF", "TIF":
		return FormatTIFF, nil
	case "ICO":
		return FormatICO, nil
	case "":
		return "", nil
	default:
		return "", errs.New(errs.UnsupportedFormat, "unknown format %q", s)
	}
}

// MIME returns the canonical MIME type for the format.
func (f Format) MIME() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatWEBP:
		return "image/webp"
	case FormatGIF:
		return "image/gif"
	case FormatBMP:
		return "image/bmp"
	case FormatTIFF:
		return "image/tiff"
	case FormatICO:
		return "image/x-icon"
	default:
		return "application/octet-stream"
	}
}

// Ext returns the conventional file extension, without the dot.
func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	default:
		return strings.ToLower(string(f))
	}
}

// FormatFromExt maps a filename extension (with or without leading dot) to a
// Format. Returns "" when the extension is not recognised.
func FormatFromExt(ext string) Format {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return FormatPNG
	case "jpg", "jpeg":
		return FormatJPEG
	case "webp":
		return FormatWEBP
	case "gif":
		return FormatGIF
	case "bmp":
		return FormatBMP
	case "tif", "tiff":
		return FormatTIFF
	case "ico":
		return FormatICO
	default:
		return ""
	}
}

const (
	// DefaultQuality is the encode quality applied when none is requested.
	DefaultQuality = 85
)

// Options is the fixed processing option record shared by all files of a
// batch. The zero value plus Normalized() is the identity conversion at
// default quality.
type Options struct {
	ResizeWidth         int    `json:"resize_width,omitempty"`
	ResizeHeight        int    `json:"resize_height,omitempty"`
	MaintainAspectRatio bool   `json:"maintain_aspect_ratio"`
	Quality             int    `json:"quality,omitempty"`
	TargetFormat        Format `json:"target_format,omitempty"`
	RotationAngle       int    `json:"rotation_angle,omitempty"`
	FlipHorizontal      bool   `json:"flip_horizontal,omitempty"`
	FlipVertical        bool   `json:"flip_vertical,omitempty"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{MaintainAspectRatio: true, Quality: DefaultQuality}
}

// Validate checks field ranges. TargetFormat must already be parsed.
func (o Options) Validate() error {
	if o.ResizeWidth < 0 || o.ResizeHeight < 0 {
		return errs.New(errs.InputInvalid, "resize dimensions must be positive")
	}
	if o.Quality < 0 || o.Quality > 100 {
		return errs.New(errs.InputInvalid, "quality %d out of range 1-100", o.Quality)
	}
	switch o.RotationAngle {
	case 0, 90, 180, 270:
	default:
		return errs.New(errs.InputInvalid, "rotation angle %d not one of 0/90/180/270", o.RotationAngle)
	}
	if o.TargetFormat != "" {
		if _, err := ParseFormat(string(o.TargetFormat)); err != nil {
			return err
		}
	}
	return nil
}

// Normalized returns a copy with every default-valued field set to its
// canonical default, so that semantically equivalent option bundles compare
// (and hash) equal. In particular quality 0 means "default quality", and the
// aspect-ratio flag is meaningless without a resize.
func (o Options) Normalized() Options {
	n := o
	if n.Quality == 0 {
		n.Quality = DefaultQuality
	}
	if n.ResizeWidth == 0 && n.ResizeHeight == 0 {
		n.MaintainAspectRatio = true
	}
	if n.RotationAngle == 360 {
		n.RotationAngle = 0
	}
	return n
}

// IsNoop reports whether the normalized options request no pixel work and no
// re-encode.
func (o Options) IsNoop() bool {
	n := o.Normalized()
	return n.ResizeWidth == 0 && n.ResizeHeight == 0 && n.TargetFormat == "" &&
		n.RotationAngle == 0 && !n.FlipHorizontal && !n.FlipVertical
}

// canonical serialises the normalized options with a fixed field order for
// fingerprinting.
func (o Options) canonical() []byte {
	n := o.Normalized()
	return []byte(fmt.Sprintf("w=%d;h=%d;ar=%t;q=%d;f=%s;rot=%d;fh=%t;fv=%t",
		n.ResizeWidth, n.ResizeHeight, n.MaintainAspectRatio, n.Quality,
		n.TargetFormat, n.RotationAngle, n.FlipHorizontal, n.FlipVertical))
}

// Fingerprint derives the content-addressed cache key for a (bytes, options)
// pair: SHA-256 over the content hash and the canonical option string,
// truncated to 128 bits. Identical bytes with semantically identical options
// always produce the same fingerprint.
func Fingerprint(data []byte, o Options) string {
	content := sha256.Sum256(data)
	h := sha256.New()
	h.Write(content[:])
	h.Write(o.canonical())
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// ContentHash returns the hex SHA-256 of raw file bytes, used by the
// validator's scan memoization.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
