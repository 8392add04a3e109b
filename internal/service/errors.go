package service

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected marks uploads refused before anything was stored.
	ErrRejected = errors.New("upload rejected")

	ErrUnsupportedImage = fmt.Errorf("%w: image type cannot be transcoded", ErrRejected)
)
