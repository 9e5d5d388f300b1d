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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
)

// ICO container support. Neither the imaging library nor x/image ships an
// ICO codec, so the container is parsed here. Encoding always embeds a PNG
// payload (valid since Vista); decoding accepts PNG payloads and
// uncompressed 32-bit DIBs, which covers the icons produced by common tools.

const (
	icoHeaderSize = 6
	icoEntrySize  = 16
	icoMaxSide    = 256
)

type icoEntry struct {
	width, height uint8
	size, offset  uint32
}

func parseICODirectory(data []byte) ([]icoEntry, error) {
	if len(data) < icoHeaderSize {
		return nil, errors.New("ico: truncated header")
	}
	if binary.LittleEndian.Uint16(data[0:2]) != 0 || binary.LittleEndian.Uint16(data[2:4]) != 1 {
		return nil, errors.New("ico: bad magic")
	}
	count := int(binary.LittleEndian.Uint16(data[4:6]))
	if count == 0 {
		return nil, errors.New("ico: empty directory")
	}
	if len(data) < icoHeaderSize+count*icoEntrySize {
		return nil, errors.New("ico: truncated directory")
	}
	entries := make([]icoEntry, count)
	for i := range entries {
		off := icoHeaderSize + i*icoEntrySize
		e := &entries[i]
		e.width = data[off]
		e.height = data[off+1]
		e.size = binary.LittleEndian.Uint32(data[off+8 : off+12])
		e.offset = binary.LittleEndian.Uint32(data[off+12 : off+16])
		if int64(e.offset)+int64(e.size) > int64(len(data)) {
			return nil, errors.New("ico: entry out of bounds")
		}
	}
	return entries, nil
}

// bestICOEntry picks the largest image in the directory.
func bestICOEntry(entries []icoEntry) icoEntry {
	best := entries[0]
	bestSide := icoSide(best.width)
	for _, e := range entries[1:] {
		if s := icoSide(e.width); s > bestSide {
			best, bestSide = e, s
		}
	}
	return best
}

func icoSide(b uint8) int {
	if b == 0 {
		return icoMaxSide // 0 encodes 256
	}
	return int(b)
}

func decodeICO(data []byte) (image.Image, error) {
	entries, err := parseICODirectory(data)
	if err != nil {
		return nil, err
	}
	e := bestICOEntry(entries)
	payload := data[e.offset : e.offset+e.size]
	if Sniff(payload) == FormatPNG {
		return png.Decode(bytes.NewReader(payload))
	}
	return decodeICODIB(payload)
}

func decodeICOConfig(data []byte) (image.Config, error) {
	entries, err := parseICODirectory(data)
	if err != nil {
		return image.Config{}, err
	}
	e := bestICOEntry(entries)
	payload := data[e.offset : e.offset+e.size]
	if Sniff(payload) == FormatPNG {
		return png.DecodeConfig(bytes.NewReader(payload))
	}
	img, err := decodeICODIB(payload)
	if err != nil {
		return image.Config{}, err
	}
	b := img.Bounds()
	return image.Config{ColorModel: img.ColorModel(), Width: b.Dx(), Height: b.Dy()}, nil
}

// decodeICODIB decodes an uncompressed 32bpp BITMAPINFOHEADER payload. The
// stored height is doubled to cover the AND mask, and rows are bottom-up.
func decodeICODIB(payload []byte) (image.Image, error) {
	if len(payload) < 40 {
		return nil, errors.New("ico: truncated DIB header")
	}
	headerSize := binary.LittleEndian.Uint32(payload[0:4])
	if headerSize != 40 {
		return nil, fmt.Errorf("ico: unsupported DIB header size %d", headerSize)
	}
	width := int(int32(binary.LittleEndian.Uint32(payload[4:8])))
	height := int(int32(binary.LittleEndian.Uint32(payload[8:12]))) / 2
	bpp := binary.LittleEndian.Uint16(payload[14:16])
	compression := binary.LittleEndian.Uint32(payload[16:20])
	if bpp != 32 || compression != 0 {
		return nil, fmt.Errorf("ico: unsupported DIB (bpp=%d compression=%d)", bpp, compression)
	}
	if width <= 0 || height <= 0 || width > icoMaxSide || height > icoMaxSide {
		return nil, fmt.Errorf("ico: bad dimensions %dx%d", width, height)
	}
	pixels := payload[40:]
	if len(pixels) < width*height*4 {
		return nil, io.ErrUnexpectedEOF
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcRow := pixels[(height-1-y)*width*4:]
		for x := 0; x < width; x++ {
			// BGRA order in the DIB.
			i := img.PixOffset(x, y)
			img.Pix[i+0] = srcRow[x*4+2]
			img.Pix[i+1] = srcRow[x*4+1]
			img.Pix[i+2] = srcRow[x*4+0]
			img.Pix[i+3] = srcRow[x*4+3]
		}
	}
	return img, nil
}

// encodeICO writes a single-entry ICO with a PNG payload. Images larger than
// 256 on either side are fitted down first, as the directory cannot express
// bigger icons.
func encodeICO(w io.Writer, img image.Image) error {
	b := img.Bounds()
	if b.Dx() > icoMaxSide || b.Dy() > icoMaxSide {
		img = imaging.Fit(img, icoMaxSide, icoMaxSide, imaging.Lanczos)
		b = img.Bounds()
	}
	var payload bytes.Buffer
	if err := png.Encode(&payload, img); err != nil {
		return err
	}
	header := make([]byte, icoHeaderSize+icoEntrySize)
	binary.LittleEndian.PutUint16(header[2:4], 1) // type: icon
	binary.LittleEndian.PutUint16(header[4:6], 1) // count
	entry := header[icoHeaderSize:]
	entry[0] = icoDim(b.Dx())
	entry[1] = icoDim(b.Dy())
	binary.LittleEndian.PutUint16(entry[4:6], 1)  // colour planes
	binary.LittleEndian.PutUint16(entry[6:8], 32) // bits per pixel
	binary.LittleEndian.PutUint32(entry[8:12], uint32(payload.Len()))
	binary.LittleEndian.PutUint32(entry[12:16], uint32(len(header)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload.Bytes())
	return err
}

func icoDim(d int) uint8 {
	if d >= icoMaxSide {
		return 0 // 256 is encoded as 0
	}
	return uint8(d)
}
