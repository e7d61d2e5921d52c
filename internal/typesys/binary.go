package typesys

import (
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/pkg/types"
)

// ValidateFile checks file content against the declared formats and size.
func ValidateFile(t *types.FileType, data []byte) error {
	if len(data) == 0 {
		return apperr.New(apperr.ErrInvalidFormat, "file is empty")
	}
	if len(t.Formats) > 0 {
		f, err := selectFormat(t.Formats, data)
		if err != nil {
			return err
		}
		if err := f.Check(data); err != nil {
			return apperr.New(apperr.ErrInvalidFormat, "invalid %s content: %v", f.Name, err)
		}
	}
	return checkFileSize(t.MaxFileSize, data)
}

// ValidateImage checks image content. A zip archive is treated as a
// whole-slide DICOM bundle whose largest member is the baseline for the size
// and dimension checks.
func ValidateImage(t *types.ImageType, data []byte) error {
	if len(data) == 0 {
		return apperr.New(apperr.ErrInvalidFormat, "image is empty")
	}
	if formatTable[FormatZIP].Match(data) {
		if !allowsWSI(t.Formats) {
			return apperr.New(apperr.ErrInvalidFormat, "archive content requires the %s format", FormatWSIDICOM)
		}
		baseline, err := wsiBaseline(data)
		if err != nil {
			return apperr.New(apperr.ErrInvalidFormat, "invalid whole-slide bundle: %v", err)
		}
		return checkImage(t, formatTable[FormatDICOM], baseline)
	}

	var f *Format
	if len(t.Formats) > 0 {
		var err error
		if f, err = selectFormat(t.Formats, data); err != nil {
			return err
		}
	} else if sniffed, ok := Sniff(data); ok {
		f = sniffed
	}
	if f != nil {
		if err := f.Check(data); err != nil {
			return apperr.New(apperr.ErrInvalidFormat, "invalid %s content: %v", f.Name, err)
		}
	}
	return checkImage(t, f, data)
}

// ValidateImageMembers checks an image stored as a directory of DICOM files.
func ValidateImageMembers(t *types.ImageType, members map[string][]byte) error {
	if !allowsWSI(t.Formats) {
		return apperr.New(apperr.ErrInvalidFormat, "directory content requires the %s format", FormatWSIDICOM)
	}
	baseline, err := WSIBaseline(members)
	if err != nil {
		return apperr.New(apperr.ErrInvalidFormat, "invalid whole-slide bundle: %v", err)
	}
	return checkImage(t, formatTable[FormatDICOM], baseline)
}

func checkImage(t *types.ImageType, f *Format, data []byte) error {
	if t.MaxWidth != nil || t.MaxHeight != nil {
		if f == nil {
			return apperr.New(apperr.ErrInvalidFormat, "cannot determine dimensions of an unknown format")
		}
		w, h, err := f.Dimensions(data)
		if err != nil {
			return apperr.New(apperr.ErrInvalidFormat, "cannot determine %s dimensions: %v", f.Name, err)
		}
		if t.MaxWidth != nil && w > *t.MaxWidth {
			return apperr.Constraintf(apperr.ConstraintWidth, "width %d exceeds %d", w, *t.MaxWidth)
		}
		if t.MaxHeight != nil && h > *t.MaxHeight {
			return apperr.Constraintf(apperr.ConstraintHeight, "height %d exceeds %d", h, *t.MaxHeight)
		}
	}
	return checkFileSize(t.MaxFileSize, data)
}

func checkFileSize(maxSize string, data []byte) error {
	if maxSize == "" {
		return nil
	}
	limit, err := ParseSize(maxSize)
	if err != nil {
		return apperr.New(apperr.ErrInvalidFormat, "%v", err)
	}
	if int64(len(data)) > limit {
		return apperr.Constraintf(apperr.ConstraintFileSize, "%d bytes exceeds %s", len(data), maxSize)
	}
	return nil
}

// selectFormat returns the first declared format whose signature matches.
func selectFormat(names []string, data []byte) (*Format, error) {
	for _, name := range names {
		if f, ok := LookupFormat(name); ok && f.Match(data) {
			return f, nil
		}
	}
	return nil, apperr.New(apperr.ErrInvalidFormat, "content matches none of %v", names)
}

func allowsWSI(names []string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if isWSIName(n) {
			return true
		}
	}
	return false
}
