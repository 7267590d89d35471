package platform

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateImageMagic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0, 0, 0, 0, 0}, true},
		{"png", append([]byte{0x89}, []byte("PNG\r\n\x1a\n12345")...), true},
		{"gif", []byte("GIF89a_______"), true},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBP"), true},
		{"riff-not-webp", []byte("RIFF\x00\x00\x00\x00WAVE"), false},
		{"text", []byte("hello world!"), false},
		{"short", []byte{0xFF, 0xD8}, false},
		{"empty", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidateImageMagic(writeFile(t, tc.data)); got != tc.want {
				t.Errorf("ValidateImageMagic(%s) = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

func TestValidateOggMagic(t *testing.T) {
	if !ValidateOggMagic(writeFile(t, []byte("OggS\x00rest"))) {
		t.Error("OggS header should validate")
	}
	if ValidateOggMagic(writeFile(t, []byte("NotOgg"))) {
		t.Error("non-OGG should not validate")
	}
}

func TestValidateAudioMagic(t *testing.T) {
	valid := [][]byte{
		[]byte("OggS\x00\x00"),
		[]byte("ID3\x04\x00"),
		{0xFF, 0xFB, 0x90},
		{0xFF, 0xF3, 0x90},
		{0xFF, 0xF2, 0x90},
	}
	for _, data := range valid {
		if !ValidateAudioMagic(writeFile(t, data)) {
			t.Errorf("audio header %x should validate", data[:2])
		}
	}
	if ValidateAudioMagic(writeFile(t, []byte("RIFF....WAVE"))) {
		t.Error("WAV should not validate as audio")
	}
}

func TestValidateMP3Magic(t *testing.T) {
	valid := [][]byte{
		[]byte("ID3\x04"),
		{0xFF, 0xFB},
		{0xFF, 0xF3},
		{0xFF, 0xF2},
		{0xFF, 0xF1}, // ADTS AAC
		{0xFF, 0xF9},
	}
	for _, data := range valid {
		if !ValidateMP3Magic(writeFile(t, data)) {
			t.Errorf("mp3 header %x should validate", data)
		}
	}
	if ValidateMP3Magic(writeFile(t, []byte("{\"detail\":"))) {
		t.Error("JSON error body should not validate as MP3")
	}
	if ValidateMP3Magic(writeFile(t, []byte("OggS"))) {
		t.Error("OGG should not validate as MP3")
	}
}
