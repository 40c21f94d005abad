// Package format picks a file extension for a downloaded recording.
//
// The declared content type always wins over byte sniffing, even when the two
// disagree. Mislabelled files are therefore saved under the declared type.
package format

import (
	"bytes"
	"mime"
	"net/url"
	"path"
	"strings"
)

// Default is returned when nothing else identifies the audio.
const Default = "mp3"

var contentTypes = map[string]string{
	"audio/wav":       "wav",
	"audio/wave":      "wav",
	"audio/x-wav":     "wav",
	"audio/vnd.wave":  "wav",
	"audio/mpeg":      "mp3",
	"audio/mp3":       "mp3",
	"audio/mpeg3":     "mp3",
	"audio/x-mpeg-3":  "mp3",
	"audio/mp4":       "m4a",
	"audio/m4a":       "m4a",
	"audio/x-m4a":     "m4a",
	"audio/ogg":       "ogg",
	"application/ogg": "ogg",
	"audio/webm":      "webm",
	"video/webm":      "webm",
	"audio/flac":      "flac",
	"audio/x-flac":    "flac",
	"video/mp4":       "mp4",
}

var urlExtensions = map[string]string{
	".wav":  "wav",
	".wave": "wav",
	".mp3":  "mp3",
	".m4a":  "m4a",
	".ogg":  "ogg",
	".oga":  "ogg",
	".webm": "webm",
	".flac": "flac",
	".mp4":  "mp4",
}

// Detect returns the extension (without dot) for data. It never fails.
func Detect(data []byte, contentType, sourceURL string) string {
	if ext, ok := FromContentType(contentType); ok {
		return ext
	}
	if ext, ok := FromURL(sourceURL); ok {
		return ext
	}
	if ext, ok := FromSignature(data); ok {
		return ext
	}
	return Default
}

// FromContentType maps a declared Content-Type header value.
func FromContentType(contentType string) (string, bool) {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return "", false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	ext, ok := contentTypes[mediaType]
	return ext, ok
}

// FromURL looks at the extension of the URL path, ignoring query and fragment.
func FromURL(sourceURL string) (string, bool) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return "", false
	}
	p := sourceURL
	if u, err := url.Parse(sourceURL); err == nil {
		p = u.Path
	}
	ext, ok := urlExtensions[strings.ToLower(path.Ext(p))]
	return ext, ok
}

// FromSignature sniffs the first 12 bytes for well known audio containers.
func FromSignature(data []byte) (string, bool) {
	if len(data) > 12 {
		data = data[:12]
	}
	switch {
	case len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return "wav", true
	case bytes.HasPrefix(data, []byte("ID3")):
		return "mp3", true
	case bytes.HasPrefix(data, []byte("OggS")):
		return "ogg", true
	case bytes.HasPrefix(data, []byte("fLaC")):
		return "flac", true
	case len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")):
		return "mp4", true
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		// MPEG audio frame sync: 11 set bits.
		return "mp3", true
	}
	return "", false
}
