package ffmpeg

import (
	"bytes"

	"github.com/disintegration/imaging"
)

// Thumbnail downsizes an encoded frame to width pixels (aspect preserved) and re-encodes it as JPEG.
func Thumbnail(frame []byte, width int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(frame), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}

	if width > 0 && img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
