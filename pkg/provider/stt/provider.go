// Package stt defines the speech-to-text capability: one recorded user
// utterance in, its transcript out.
package stt

import (
	"context"
	"strings"
)

// Container formats of recorded audio.
const (
	// FormatWebM is what browsers record with MediaRecorder.
	FormatWebM = "webm"

	// FormatWAV is used by the mobile and terminal clients.
	FormatWAV = "wav"
)

// Request is one utterance to transcribe.
type Request struct {
	// Audio is the complete recording.
	Audio []byte

	// Format is the container of Audio, such as [FormatWebM]. Empty lets
	// the provider detect it.
	Format string

	// Prompt biases recognition, e.g. towards the character's name.
	Prompt string

	// Language is a BCP 47 tag such as "en-US". Empty means provider default.
	Language string
}

// Transcriber turns recorded speech into text.
type Transcriber interface {
	// Transcribe returns the transcript of req.Audio. Silence yields "" and
	// no error.
	Transcribe(ctx context.Context, req Request) (string, error)
}

// BaseLanguage reduces a BCP 47 tag to its primary language subtag, the form
// most recognition APIs expect: "en-US" becomes "en".
func BaseLanguage(tag string) string {
	base, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(base)
}

// MIMEType returns the content type for a [Request.Format].
func MIMEType(format string) string {
	switch format {
	case FormatWebM:
		return "audio/webm"
	case FormatWAV:
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
