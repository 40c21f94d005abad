package format

import "testing"

func TestDetect(t *testing.T) {
	wav := []byte("RIFF\x24\x08\x00\x00WAVEfmt ")
	cases := []struct {
		name        string
		data        []byte
		contentType string
		url         string
		want        string
	}{
		{"content type wins over url", nil, "audio/wav", "https://cdn.example.com/a.mp3", "wav"},
		{"content type with params", nil, "audio/mpeg; charset=binary", "", "mp3"},
		{"content type wins over bytes", wav, "audio/ogg", "", "ogg"},
		{"audio mp4 is m4a", nil, "audio/mp4", "", "m4a"},
		{"video mp4", nil, "video/mp4", "", "mp4"},
		{"url with query", nil, "", "https://x.example/rec/clip.flac?x=1", "flac"},
		{"unmapped type falls to url", nil, "application/octet-stream", "https://x.example/a.webm", "webm"},
		{"riff wave bytes", wav, "", "", "wav"},
		{"id3 bytes", []byte("ID3\x04\x00\x00\x00\x00\x00\x00\x00\x00"), "", "", "mp3"},
		{"frame sync bytes", []byte{0xFF, 0xFB, 0x90, 0x64}, "", "", "mp3"},
		{"ogg bytes", []byte("OggS\x00\x02"), "", "", "ogg"},
		{"ftyp bytes", []byte("\x00\x00\x00\x20ftypM4A "), "", "", "mp4"},
		{"flac bytes", []byte("fLaC\x00\x00\x00\x22"), "", "", "flac"},
		{"unknown falls back", []byte("hello"), "", "https://x.example/download", Default},
		{"empty input", nil, "", "", Default},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Detect(tc.data, tc.contentType, tc.url); got != tc.want {
				t.Fatalf("Detect() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFromSignatureOnlyReadsFirstTwelveBytes(t *testing.T) {
	data := append([]byte("xxxxxxxxxxxx"), []byte("OggS")...)
	if ext, ok := FromSignature(data); ok {
		t.Fatalf("expected no match beyond 12 bytes, got %q", ext)
	}
}
