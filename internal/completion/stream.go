// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// MaxFrameSize caps a single stream line. Longer lines are skipped.
const MaxFrameSize = 1024 * 1024

// ErrFrameTooLong is returned by SSEReader.Next for a line over MaxFrameSize.
// The line has been consumed and the reader can continue.
var ErrFrameTooLong = errors.New("stream frame exceeds maximum size")

var doneSentinel = []byte("[DONE]")

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader yields the payload of each "data:" line. Other fields (event:,
// id:, retry:) and comment lines are ignored.
type SSEReader struct {
	r *bufio.Reader
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next data payload, or io.EOF at end of stream.
func (s *SSEReader) Next() ([]byte, error) {
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 {
			continue
		}
		return payload, nil
	}
}

// readLine returns one line, newline included. A line over MaxFrameSize is
// read to its end and reported as ErrFrameTooLong.
func (s *SSEReader) readLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := s.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > MaxFrameSize {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !(errors.Is(err, io.EOF) && (len(line) > 0 || tooLong)) {
			return nil, err
		}
		if tooLong {
			return nil, ErrFrameTooLong
		}
		return line, nil
	}
}

// =============================================================================
// FRAME DECODING
// =============================================================================

type frame struct {
	Choices *[]struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Candidates *[]struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// delta extracts the text of a frame. ok is false for frames whose shape is
// not recognized.
func (f *frame) delta() (string, bool) {
	if f.Choices != nil {
		if cs := *f.Choices; len(cs) > 0 {
			return cs[0].Delta.Content, true
		}
		return "", true
	}
	if f.Candidates != nil {
		if cs := *f.Candidates; len(cs) > 0 && len(cs[0].Content.Parts) > 0 {
			return cs[0].Content.Parts[0].Text, true
		}
		return "", true
	}
	return "", false
}

// StreamResult summarizes a decoded stream.
type StreamResult struct {
	// Text is the concatenation of every delta.
	Text string
	// Frames counts recognized frames.
	Frames int
	// Malformed counts frames that were not valid JSON or were too long.
	Malformed int
	// Unrecognized counts JSON frames of an unknown shape.
	Unrecognized int
	// Done reports whether the [DONE] sentinel was seen.
	Done bool
}

// DecodeStream reads SSE frames from r until [DONE] or EOF. onDelta, when
// non-nil, is called with the cumulative text after every non-empty delta.
// An in-stream error object yields an *APIError matching ErrServer; the
// result still carries whatever was decoded before it.
func DecodeStream(r io.Reader, onDelta func(cumulative string), log zerolog.Logger) (StreamResult, error) {
	var res StreamResult
	var text strings.Builder
	reader := NewSSEReader(r)

	for {
		payload, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrFrameTooLong) {
			res.Malformed++
			log.Debug().Err(err).Int("limit", MaxFrameSize).Msg("skipping frame")
			continue
		}
		if err != nil {
			res.Text = text.String()
			return res, err
		}

		if bytes.Equal(payload, doneSentinel) {
			res.Done = true
			break
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			res.Malformed++
			log.Debug().Err(ErrMalformedStream).Str("cause", err.Error()).Int("bytes", len(payload)).Msg("skipping frame")
			continue
		}

		d, ok := f.delta()
		if !ok {
			if f.Error != nil {
				res.Text = text.String()
				return res, &APIError{Status: 0, Message: f.Error.Message}
			}
			res.Unrecognized++
			log.Warn().Str("frame", truncate(payload, 200)).Msg("unrecognized stream frame shape")
			continue
		}

		res.Frames++
		if d == "" {
			continue
		}
		text.WriteString(d)
		if onDelta != nil {
			onDelta(text.String())
		}
	}

	res.Text = text.String()
	return res, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
