package signature

import (
	"errors"
	"fmt"
)

// ErrNoSignature is returned when removing a slot that holds no signature.
var ErrNoSignature = errors.New("no signature captured for section")

// SizeError indicates the image exceeds the configured ceiling.
type SizeError struct {
	Size  int64
	Limit int64
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("signature image is %d bytes, limit is %d bytes", e.Size, e.Limit)
}

// FormatError indicates the image is not an accepted raster type, or its
// content does not match the declared type.
type FormatError struct {
	Declared string
	Detected string
}

func (e *FormatError) Error() string {
	switch {
	case e.Detected == "":
		return fmt.Sprintf("signature image type %q is not accepted", e.Declared)
	default:
		return fmt.Sprintf("signature image declared as %q but content is %q", e.Declared, e.Detected)
	}
}

// IsSize reports whether err is a *SizeError.
func IsSize(err error) bool {
	var e *SizeError
	return errors.As(err, &e)
}

// IsFormat reports whether err is a *FormatError.
func IsFormat(err error) bool {
	var e *FormatError
	return errors.As(err, &e)
}
