package inference

import (
	"bytes"
	"image"

	// register decoders for the formats cameras actually send.
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// decodeImage parses raw frame bytes. Failures are InvalidInput: the frame is
// rejected, never retried.
func decodeImage(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "empty image payload")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidInput, "image decode failed: %v", err)
	}
	return img, nil
}

// imageToTensor resizes the frame to the session's input dims and lays it out
// as NCHW float32 normalized to [0,1].
func imageToTensor(img image.Image, width, height int) []float32 {
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	data := make([]float32, 3*width*height)
	plane := width * height
	idx := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data[idx] = float32(r>>8) / 255.0
			data[plane+idx] = float32(g>>8) / 255.0
			data[2*plane+idx] = float32(b>>8) / 255.0
			idx++
		}
	}
	return data
}
