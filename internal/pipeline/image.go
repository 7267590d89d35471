package pipeline

import (
	"fmt"
	"os"

	"github.com/disintegration/imaging"
)

// sanitizeImage re-encodes a downloaded image in place, stripping metadata
// and any trailing payload past the image data. GIF and WebP are left
// untouched (re-encoding would drop animation frames).
func sanitizeImage(path string) error {
	header := make([]byte, 4)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	n, _ := f.Read(header)
	f.Close()
	if n >= 4 && (string(header[:4]) == "GIF8" || string(header[:4]) == "RIFF") {
		return nil
	}

	img, err := imaging.Open(path)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if err := imaging.Save(img, path, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("re-encode image: %w", err)
	}
	return os.Chmod(path, 0o600)
}
