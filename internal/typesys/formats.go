package typesys

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
)

// Format names usable in a type's formats list.
const (
	FormatPNG      = "PNG"
	FormatJPEG     = "JPEG"
	FormatTIFF     = "TIFF"
	FormatDICOM    = "DICOM"
	FormatWSIDICOM = "WSIDICOM"
	FormatZIP      = "ZIP"
)

// dicomMagicOffset is the length of the DICOM preamble preceding "DICM".
const dicomMagicOffset = 128

var errNoDimensions = errors.New("dimensions not found")

// Format describes one binary format: a magic-byte signature, an optional
// structural check and an optional dimension probe.
type Format struct {
	Name       string
	offset     int
	signatures [][]byte
	check      func([]byte) error
	dimensions func([]byte) (width, height int, err error)
}

// Match reports whether data starts with one of the format's signatures.
func (f *Format) Match(data []byte) bool {
	for _, sig := range f.signatures {
		end := f.offset + len(sig)
		if len(data) >= end && bytes.Equal(data[f.offset:end], sig) {
			return true
		}
	}
	return false
}

// Check runs the format's structural check.
func (f *Format) Check(data []byte) error {
	if f.check == nil {
		return nil
	}
	return f.check(data)
}

// Dimensions returns the pixel width and height, when the format has them.
func (f *Format) Dimensions(data []byte) (int, int, error) {
	if f.dimensions == nil {
		return 0, 0, fmt.Errorf("%s: %w", f.Name, errNoDimensions)
	}
	return f.dimensions(data)
}

var formatTable = map[string]*Format{
	FormatPNG: {
		Name:       FormatPNG,
		signatures: [][]byte{{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
		check:      func(b []byte) error { _, err := png.DecodeConfig(bytes.NewReader(b)); return err },
		dimensions: pngDimensions,
	},
	FormatJPEG: {
		Name:       FormatJPEG,
		signatures: [][]byte{{0xFF, 0xD8, 0xFF}},
		check:      func(b []byte) error { _, err := jpeg.DecodeConfig(bytes.NewReader(b)); return err },
		dimensions: jpegDimensions,
	},
	FormatTIFF: {
		Name:       FormatTIFF,
		signatures: [][]byte{{'I', 'I', 0x2A, 0x00}, {'M', 'M', 0x00, 0x2A}},
		dimensions: tiffDimensions,
	},
	FormatDICOM: {
		Name:       FormatDICOM,
		offset:     dicomMagicOffset,
		signatures: [][]byte{[]byte("DICM")},
		dimensions: dicomDimensions,
	},
	FormatZIP: {
		Name:       FormatZIP,
		signatures: [][]byte{{'P', 'K', 0x03, 0x04}, {'P', 'K', 0x05, 0x06}},
	},
}

var formatAliases = map[string]string{
	"JPG":      FormatJPEG,
	"TIF":      FormatTIFF,
	"DCM":      FormatDICOM,
	"WSI":      FormatWSIDICOM,
	"WSIDICOM": FormatWSIDICOM,
}

// LookupFormat returns the format registered under name, case-insensitively.
// WSIDICOM is a bundle rather than a single signature and is not returned.
func LookupFormat(name string) (*Format, bool) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if alias, ok := formatAliases[key]; ok {
		key = alias
	}
	f, ok := formatTable[key]
	return f, ok
}

// Sniff returns the first known format whose signature matches data.
func Sniff(data []byte) (*Format, bool) {
	for _, name := range []string{FormatPNG, FormatJPEG, FormatTIFF, FormatDICOM, FormatZIP} {
		if f := formatTable[name]; f.Match(data) {
			return f, true
		}
	}
	return nil, false
}

func isWSIName(name string) bool {
	key := strings.ToUpper(strings.TrimSpace(name))
	return formatAliases[key] == FormatWSIDICOM
}

func pngDimensions(b []byte) (int, int, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func jpegDimensions(b []byte) (int, int, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// tiffDimensions reads ImageWidth (256) and ImageLength (257) from the first IFD.
func tiffDimensions(b []byte) (int, int, error) {
	if len(b) < 8 {
		return 0, 0, errNoDimensions
	}
	var order binary.ByteOrder = binary.LittleEndian
	if b[0] == 'M' {
		order = binary.BigEndian
	}
	off := int(order.Uint32(b[4:8]))
	if off+2 > len(b) {
		return 0, 0, errNoDimensions
	}
	n := int(order.Uint16(b[off : off+2]))
	width, height := -1, -1
	for i := 0; i < n; i++ {
		e := off + 2 + i*12
		if e+12 > len(b) {
			break
		}
		tag := order.Uint16(b[e : e+2])
		typ := order.Uint16(b[e+2 : e+4])
		var val int
		switch typ {
		case 3: // SHORT
			val = int(order.Uint16(b[e+8 : e+10]))
		case 4: // LONG
			val = int(order.Uint32(b[e+8 : e+12]))
		default:
			continue
		}
		switch tag {
		case 256:
			width = val
		case 257:
			height = val
		}
	}
	if width < 0 || height < 0 {
		return 0, 0, errNoDimensions
	}
	return width, height, nil
}

// DICOM value representations with a 4 byte length in explicit VR encoding.
var dicomLongVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OV": true, "OW": true,
	"SQ": true, "SV": true, "UC": true, "UN": true, "UR": true, "UT": true, "UV": true,
}

// dicomDimensions scans the dataset for Rows (0028,0010) and Columns
// (0028,0011). Only little endian transfer syntaxes are supported.
func dicomDimensions(b []byte) (int, int, error) {
	pos := dicomMagicOffset + 4
	if len(b) < pos {
		return 0, 0, errNoDimensions
	}
	rows, cols := -1, -1
	for pos+8 <= len(b) {
		group := binary.LittleEndian.Uint16(b[pos:])
		element := binary.LittleEndian.Uint16(b[pos+2:])
		if group > 0x0028 {
			break
		}
		vr := string(b[pos+4 : pos+6])
		var length, header int
		switch {
		case isVR(vr) && dicomLongVRs[vr]:
			if pos+12 > len(b) {
				return 0, 0, errNoDimensions
			}
			length, header = int(binary.LittleEndian.Uint32(b[pos+8:])), 12
		case isVR(vr):
			length, header = int(binary.LittleEndian.Uint16(b[pos+6:])), 8
		default:
			length, header = int(binary.LittleEndian.Uint32(b[pos+4:])), 8
		}
		if length == 0xFFFFFFFF || length < 0 {
			break
		}
		valueAt := pos + header
		if valueAt+length > len(b) {
			break
		}
		if group == 0x0028 && length >= 2 {
			v := int(binary.LittleEndian.Uint16(b[valueAt:]))
			switch element {
			case 0x0010:
				rows = v
			case 0x0011:
				cols = v
			}
		}
		pos = valueAt + length
	}
	if rows < 0 || cols < 0 {
		return 0, 0, errNoDimensions
	}
	return cols, rows, nil
}

func isVR(s string) bool {
	return len(s) == 2 && s[0] >= 'A' && s[0] <= 'Z' && s[1] >= 'A' && s[1] <= 'Z'
}

// wsiBaseline checks that every member of a zipped whole-slide bundle is a
// DICOM file and returns the content of the largest one.
func wsiBaseline(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	dicom := formatTable[FormatDICOM]
	var baseline *zip.File
	count := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		count++
		header, err := readPrefix(f, dicomMagicOffset+4)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		if !dicom.Match(header) {
			return nil, fmt.Errorf("%s is not a DICOM file", f.Name)
		}
		if baseline == nil || f.UncompressedSize64 > baseline.UncompressedSize64 {
			baseline = f
		}
	}
	if count == 0 {
		return nil, errors.New("bundle is empty")
	}
	rc, err := baseline.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// WSIBaseline picks the largest member of an unpacked whole-slide bundle.
func WSIBaseline(members map[string][]byte) ([]byte, error) {
	dicom := formatTable[FormatDICOM]
	var baseline []byte
	for name, data := range members {
		if !dicom.Match(data) {
			return nil, fmt.Errorf("%s is not a DICOM file", name)
		}
		if len(data) > len(baseline) {
			baseline = data
		}
	}
	if baseline == nil {
		return nil, errors.New("bundle is empty")
	}
	return baseline, nil
}

func readPrefix(f *zip.File, n int) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(rc, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf[:read], nil
}
