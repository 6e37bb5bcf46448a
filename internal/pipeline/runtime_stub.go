//go:build !govips || !cgo

package pipeline

import (
	"errors"
	"image"
)

func Startup() error {
	return nil
}

func Shutdown() {}

func SupportsWebP() bool {
	return false
}

func encodeWebP(image.Image, int) ([]byte, error) {
	return nil, errors.New("webp export requires govips build tag")
}
