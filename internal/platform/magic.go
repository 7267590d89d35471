package platform

import (
	"bytes"
	"os"
)

// Magic byte validators for downloaded media. Stateless pure functions;
// none of them deletes the file — callers decide what to do on failure.

// ValidateImageMagic reports whether a file starts with JPEG, PNG, GIF, or
// WebP magic bytes.
func ValidateImageMagic(path string) bool {
	header := readHeader(path, 12)
	if len(header) < 4 {
		return false
	}

	switch {
	case bytes.HasPrefix(header, []byte{0xFF, 0xD8, 0xFF}): // JPEG
		return true
	case bytes.HasPrefix(header, []byte("\x89PNG")): // PNG
		return true
	case bytes.HasPrefix(header, []byte("GIF8")): // GIF
		return true
	case len(header) >= 12 &&
		bytes.HasPrefix(header, []byte("RIFF")) &&
		bytes.Equal(header[8:12], []byte("WEBP")): // WebP
		return true
	}
	return false
}

// ValidateOggMagic reports whether a file starts with the OGG container
// magic (Telegram voice notes are OGG Opus).
func ValidateOggMagic(path string) bool {
	header := readHeader(path, 4)
	return bytes.Equal(header, []byte("OggS"))
}

// ValidateAudioMagic reports whether a file looks like OGG or MP3 audio
// (ID3 tag or MPEG frame sync).
func ValidateAudioMagic(path string) bool {
	header := readHeader(path, 12)
	if len(header) < 2 {
		return false
	}

	if bytes.HasPrefix(header, []byte("OggS")) {
		return true
	}
	if bytes.HasPrefix(header, []byte("ID3")) {
		return true
	}
	for _, sync := range [][]byte{{0xFF, 0xFB}, {0xFF, 0xF3}, {0xFF, 0xF2}} {
		if bytes.HasPrefix(header, sync) {
			return true
		}
	}
	return false
}

// ValidateMP3Magic reports whether a file starts with MP3 or AAC/ADTS magic
// bytes. Used to validate TTS provider output before sending it on.
func ValidateMP3Magic(path string) bool {
	header := readHeader(path, 3)
	if len(header) < 2 {
		return false
	}

	magics := [][]byte{
		[]byte("ID3"),      // ID3v2 tag header
		{0xFF, 0xFB},       // MPEG1 Layer 3
		{0xFF, 0xF3},       // MPEG2 Layer 3
		{0xFF, 0xF2},       // MPEG2.5 Layer 3
		{0xFF, 0xF1},       // ADTS AAC (MPEG-4)
		{0xFF, 0xF9},       // ADTS AAC (MPEG-2)
	}
	for _, m := range magics {
		if bytes.HasPrefix(header, m) {
			return true
		}
	}
	return false
}

func readHeader(path string, n int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.Read(buf)
	if read <= 0 && err != nil {
		return nil
	}
	return buf[:read]
}
