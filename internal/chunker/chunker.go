// Package chunker splits sanitized document text into overlapping,
// sentence-boundary-aware segments for embedding and indexing.
//
// Splitting is a pure function: it touches no storage and calls no models.
// The returned segments preserve document order and respect a hard size
// limit; consecutive segments overlap so that sentences falling on a
// window edge remain retrievable from either side.
package chunker

import (
	"errors"
	"regexp"
	"strings"
)

// Sentinel errors for chunking operations.
var (
	// ErrEmptyInput indicates the input text is empty or whitespace-only.
	ErrEmptyInput = errors.New("empty input text")
)

// Default sliding-window parameters. The 1000/200 pair keeps each segment
// comfortably within the embedding model's token limit while the overlap
// preserves cross-boundary context.
const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 200
)

// sentenceTerminators are the characters treated as sentence boundaries
// when trimming a window back to avoid a mid-sentence cut.
const sentenceTerminators = ".!?"

// Options configures a Split call. The zero value selects the defaults.
type Options struct {
	// ChunkSize is the maximum segment length in bytes. Default 1000.
	ChunkSize int

	// Overlap is the number of bytes shared between consecutive segments.
	// Default 200. An overlap >= ChunkSize does not loop: the window step
	// is clamped and the remainder is consumed in one final segment.
	Overlap int
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = DefaultOverlap
	}
	return o
}

// Split divides text into ordered overlapping segments.
//
// A sliding window advances over the text. When the window's right edge
// falls before the end of the text, the window is trimmed back to the last
// sentence terminator found past its midpoint, so segments end on sentence
// boundaries whenever one is available; if no terminator lies past the
// midpoint the full window is kept. The window start then advances by
// (segment length - overlap). A non-positive step (possible when overlap
// >= chunk size after trimming) terminates the walk with the remainder
// treated as consumed, guaranteeing finite termination for every
// configuration.
//
// Returns ErrEmptyInput for empty or whitespace-only text. Every returned
// segment is non-empty and no segment exceeds ChunkSize.
func Split(text string, opts Options) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	opts = opts.withDefaults()

	var segments []string
	start := 0

	for start < len(text) {
		end := start + opts.ChunkSize
		if end > len(text) {
			end = len(text)
		}
		segment := text[start:end]

		// Trim back to the last sentence boundary past the midpoint, but
		// only for interior windows: the final window keeps its tail.
		if end < len(text) {
			if cut := lastTerminator(segment); cut > len(segment)/2 {
				segment = segment[:cut+1]
			}
		}

		segments = append(segments, segment)

		step := len(segment) - opts.Overlap
		if step <= 0 {
			// Overlap swallowed the whole segment; treat the remainder as
			// consumed instead of looping forever.
			break
		}
		start += step
	}

	return segments, nil
}

// lastTerminator returns the index of the last sentence terminator in s,
// or -1 if none exists.
func lastTerminator(s string) int {
	return strings.LastIndexAny(s, sentenceTerminators)
}

// Text sanitization patterns for extracted document text.
var (
	nullBytesRe  = regexp.MustCompile("\\x00|\\x{FFFD}")
	crlfRe       = regexp.MustCompile("\r\n?")
	multiBlankRe = regexp.MustCompile(`\n{3,}`)
)

// Sanitize normalizes raw extracted text before chunking: strips null bytes
// and replacement characters, normalizes line breaks, collapses runs of
// blank lines, and trims surrounding whitespace.
func Sanitize(text string) string {
	text = nullBytesRe.ReplaceAllString(text, "")
	text = crlfRe.ReplaceAllString(text, "\n")
	text = multiBlankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
