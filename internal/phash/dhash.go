package phash

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/corona10/goimagehash"
	"github.com/pkg/errors"
)

// DifferenceHash computes the 64-bit gradient hash of img as 16 lowercase
// hex digits.
func DifferenceHash(img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", errors.New("empty image")
	}
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return "", errors.WithMessage(err, "difference hash")
	}
	return fmt.Sprintf("%016x", h.GetHash()), nil
}

// HashReader decodes a JPEG, PNG or GIF image and returns its difference hash.
func HashReader(r io.Reader) (string, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return "", errors.WithMessage(err, "decode image")
	}
	return DifferenceHash(img)
}
