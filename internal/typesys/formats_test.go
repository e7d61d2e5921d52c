package typesys

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

func intp(v int) *int { return &v }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// dicomBytes builds a minimal explicit VR little endian DICOM file.
func dicomBytes(rows, cols uint16, padding int) []byte {
	var buf bytes.Buffer
	buf.Write(make([]byte, 128))
	buf.WriteString("DICM")
	element := func(group, elem uint16, vr string, value []byte) {
		binary.Write(&buf, binary.LittleEndian, group)
		binary.Write(&buf, binary.LittleEndian, elem)
		buf.WriteString(vr)
		binary.Write(&buf, binary.LittleEndian, uint16(len(value)))
		buf.Write(value)
	}
	element(0x0002, 0x0010, "UI", []byte("1.2.840.10008.1.2.1\x00"))
	u16 := func(v uint16) []byte {
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)
		return b
	}
	element(0x0028, 0x0010, "US", u16(rows))
	element(0x0028, 0x0011, "US", u16(cols))
	buf.Write(make([]byte, padding))
	return buf.Bytes()
}

func tiffBytes(w uint16, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("II")
	binary.Write(&buf, binary.LittleEndian, uint16(42))
	binary.Write(&buf, binary.LittleEndian, uint32(8))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	// ImageWidth, SHORT
	binary.Write(&buf, binary.LittleEndian, []uint16{256, 3})
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, []uint16{w, 0})
	// ImageLength, LONG
	binary.Write(&buf, binary.LittleEndian, []uint16{257, 4})
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, h)
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	return buf.Bytes()
}

func zipBytes(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range members {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestDimensions(t *testing.T) {
	tests := []struct {
		name   string
		format string
		data   []byte
		w, h   int
	}{
		{"png", FormatPNG, pngBytes(t, 12, 7), 12, 7},
		{"tiff", FormatTIFF, tiffBytes(640, 480), 640, 480},
		{"dicom", FormatDICOM, dicomBytes(300, 200, 0), 200, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := LookupFormat(tt.format)
			if !ok {
				t.Fatalf("format %s not registered", tt.format)
			}
			if !f.Match(tt.data) {
				t.Fatal("signature does not match")
			}
			w, h, err := f.Dimensions(tt.data)
			if err != nil {
				t.Fatalf("Dimensions failed: %v", err)
			}
			if w != tt.w || h != tt.h {
				t.Errorf("expected %dx%d, got %dx%d", tt.w, tt.h, w, h)
			}
		})
	}
}

func TestSniff(t *testing.T) {
	if f, ok := Sniff(pngBytes(t, 1, 1)); !ok || f.Name != FormatPNG {
		t.Errorf("expected PNG, got %v", f)
	}
	if f, ok := Sniff(dicomBytes(1, 1, 0)); !ok || f.Name != FormatDICOM {
		t.Errorf("expected DICOM, got %v", f)
	}
	if _, ok := Sniff([]byte("plain text")); ok {
		t.Error("text should not match any signature")
	}
	if f, ok := LookupFormat("jpg"); !ok || f.Name != FormatJPEG {
		t.Error("jpg alias should resolve to JPEG")
	}
}

func TestValidateImage(t *testing.T) {
	img := pngBytes(t, 20, 10)

	t.Run("declared format matches", func(t *testing.T) {
		typ := &types.ImageType{Formats: []string{"png"}, MaxWidth: intp(20), MaxHeight: intp(10)}
		if err := ValidateImage(typ, img); err != nil {
			t.Fatalf("ValidateImage failed: %v", err)
		}
	})

	t.Run("signature mismatch", func(t *testing.T) {
		typ := &types.ImageType{Formats: []string{"JPEG", "TIFF"}}
		if err := ValidateImage(typ, img); !errors.Is(err, apperr.ErrInvalidFormat) {
			t.Fatalf("expected invalid format, got %v", err)
		}
	})

	t.Run("width ceiling", func(t *testing.T) {
		typ := &types.ImageType{MaxWidth: intp(19)}
		err := ValidateImage(typ, img)
		if apperr.ConstraintOf(err) != apperr.ConstraintWidth {
			t.Fatalf("expected width violation, got %v", err)
		}
	})

	t.Run("height ceiling", func(t *testing.T) {
		typ := &types.ImageType{MaxHeight: intp(9)}
		if err := ValidateImage(typ, img); apperr.ConstraintOf(err) != apperr.ConstraintHeight {
			t.Fatalf("expected height violation, got %v", err)
		}
	})

	t.Run("size ceiling", func(t *testing.T) {
		typ := &types.ImageType{MaxFileSize: "10B"}
		if err := ValidateImage(typ, img); apperr.ConstraintOf(err) != apperr.ConstraintFileSize {
			t.Fatalf("expected size violation, got %v", err)
		}
	})

	t.Run("malformed size limit", func(t *testing.T) {
		typ := &types.ImageType{MaxFileSize: "ten megabytes"}
		if err := ValidateImage(typ, img); !errors.Is(err, apperr.ErrInvalidFormat) {
			t.Fatalf("expected invalid format, got %v", err)
		}
	})

	t.Run("truncated png", func(t *testing.T) {
		if err := ValidateImage(&types.ImageType{Formats: []string{"PNG"}}, img[:12]); !errors.Is(err, apperr.ErrInvalidFormat) {
			t.Fatalf("expected invalid format, got %v", err)
		}
	})

	t.Run("whole-slide bundle uses the largest member", func(t *testing.T) {
		bundle := zipBytes(t, map[string][]byte{
			"level0.dcm": dicomBytes(4000, 3000, 256),
			"level1.dcm": dicomBytes(100, 100, 0),
		})
		typ := &types.ImageType{Formats: []string{FormatWSIDICOM}, MaxWidth: intp(5000)}
		if err := ValidateImage(typ, bundle); err != nil {
			t.Fatalf("ValidateImage failed: %v", err)
		}
		typ.MaxWidth = intp(2000)
		if err := ValidateImage(typ, bundle); apperr.ConstraintOf(err) != apperr.ConstraintWidth {
			t.Fatalf("expected baseline width violation, got %v", err)
		}
	})

	t.Run("bundle member without DICOM signature", func(t *testing.T) {
		bundle := zipBytes(t, map[string][]byte{
			"level0.dcm": dicomBytes(10, 10, 0),
			"notes.txt":  []byte("hello"),
		})
		if err := ValidateImage(&types.ImageType{}, bundle); !errors.Is(err, apperr.ErrInvalidFormat) {
			t.Fatalf("expected invalid format, got %v", err)
		}
	})

	t.Run("bundle not allowed by formats", func(t *testing.T) {
		bundle := zipBytes(t, map[string][]byte{"a.dcm": dicomBytes(10, 10, 0)})
		if err := ValidateImage(&types.ImageType{Formats: []string{"PNG"}}, bundle); !errors.Is(err, apperr.ErrInvalidFormat) {
			t.Fatalf("expected invalid format, got %v", err)
		}
	})
}

func TestValidateFile(t *testing.T) {
	if err := ValidateFile(&types.FileType{}, nil); !errors.Is(err, apperr.ErrInvalidFormat) {
		t.Errorf("expected empty file to fail, got %v", err)
	}
	if err := ValidateFile(&types.FileType{MaxFileSize: "1kB"}, make([]byte, 1000)); err != nil {
		t.Errorf("expected 1000 bytes to fit 1kB, got %v", err)
	}
	if err := ValidateFile(&types.FileType{MaxFileSize: "1kB"}, make([]byte, 1001)); apperr.ConstraintOf(err) != apperr.ConstraintFileSize {
		t.Errorf("expected size violation, got %v", err)
	}
	if err := ValidateFile(&types.FileType{Formats: []string{"DICOM"}}, dicomBytes(1, 1, 0)); err != nil {
		t.Errorf("expected DICOM file to pass, got %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"10B", 10, false},
		{"1kB", 1000, false},
		{"2 MB", 2000000, false},
		{"1GB", 1000000000, false},
		{"1KiB", 1024, false},
		{"1.5MiB", 1572864, false},
		{"3GiB", 3 << 30, false},
		{"5 parsecs", 0, true},
		{"MB", 0, true},
		{"-1MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSize failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}
