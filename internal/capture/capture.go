// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package capture implements the three output-capture modes (text,
// lines, json) that bound how much of a step's stdout the interpreter
// keeps in memory for downstream steps.Name.* references, tee-ing the
// full stream to the step's output_file and spilling anything beyond
// the bound to the run log rather than dropping it.
package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	orcherrors "github.com/tbarlow/orchestrate/pkg/errors"
)

const (
	TextCap  = 8 * 1024
	LinesCap = 10_000
	JSONCap  = 1024 * 1024
)

// Mode selects the capture discipline.
type Mode string

const (
	ModeText  Mode = "text"
	ModeLines Mode = "lines"
	ModeJSON  Mode = "json"
)

// Sink tees a step's stdout to its output_file (if any) while
// accumulating a bounded in-memory copy for steps.<Name> substitution.
// Bytes beyond the mode's cap are written to Spill instead of kept.
type Sink struct {
	mode  Mode
	out   io.Writer // output_file, or io.Discard
	spill io.Writer // run log spill destination, or io.Discard

	buf       bytes.Buffer
	lineCount int
	truncated bool
	lineBuf   bytes.Buffer // partial last line, for ModeLines accounting
}

// NewSink constructs a Sink. out and spill may be nil, in which case
// writes to them are discarded.
func NewSink(mode Mode, out, spill io.Writer) *Sink {
	if out == nil {
		out = io.Discard
	}
	if spill == nil {
		spill = io.Discard
	}
	return &Sink{mode: mode, out: out, spill: spill}
}

// Write implements io.Writer, teeing the full stream to out while
// retaining only up to the mode's cap in the in-memory buffer.
func (s *Sink) Write(p []byte) (int, error) {
	if _, err := s.out.Write(p); err != nil {
		return 0, err
	}

	switch s.mode {
	case ModeLines:
		s.writeLines(p)
	default:
		limit := TextCap
		if s.mode == ModeJSON {
			limit = JSONCap
		}
		room := limit - s.buf.Len()
		if room <= 0 {
			s.truncated = true
			_, _ = s.spill.Write(p)
			return len(p), nil
		}
		if len(p) > room {
			s.buf.Write(p[:room])
			_, _ = s.spill.Write(p[room:])
			s.truncated = true
		} else {
			s.buf.Write(p)
		}
	}
	return len(p), nil
}

func (s *Sink) writeLines(p []byte) {
	s.lineBuf.Write(p)
	for {
		data := s.lineBuf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), data[:idx+1]...)
		s.lineBuf.Next(idx + 1)
		if s.lineCount >= LinesCap {
			s.truncated = true
			_, _ = s.spill.Write(line)
			continue
		}
		s.buf.Write(line)
		s.lineCount++
	}
}

// Truncated reports whether any bytes were spilled instead of
// retained.
func (s *Sink) Truncated() bool { return s.truncated }

// Text returns the retained text.
func (s *Sink) Text() string { return s.buf.String() }

// Lines returns the retained lines, split on '\n', with trailing
// newlines stripped and no entry for a final unterminated partial
// line: that line stays in the internal line buffer and reaches
// neither Lines nor the spill writer (only out receives it).
func (s *Sink) Lines() []string {
	scanner := bufio.NewScanner(bytes.NewReader(s.buf.Bytes()))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// Captured resolves the final steps.<Name>.* value for this sink,
// honoring allow_parse_error for json mode, and reports which
// step-result field the value belongs under: "output" for text mode
// (and for a json-mode parse failure recovered via allow_parse_error),
// "lines" for lines mode, "json" for a successfully parsed json mode
// buffer. Per the data model, at most one of these fields is ever
// present on a given step-result. For text/lines modes this never
// errors; for json mode, a truncated buffer or invalid JSON is a
// CaptureError unless allowParseError is set, in which case the raw
// text is returned under "output" along with a json_parse_error debug
// record instead of a parsed value.
func (s *Sink) Captured(allowParseError bool) (field string, value interface{}, debug map[string]interface{}, err error) {
	switch s.mode {
	case ModeLines:
		return "lines", s.Lines(), nil, nil
	case ModeJSON:
		if s.truncated {
			if allowParseError {
				return "output", s.Text(), jsonParseErrorDebug("overflow"), nil
			}
			return "", nil, nil, &orcherrors.CaptureError{Reason: "overflow"}
		}
		var v interface{}
		if jsonErr := json.Unmarshal(s.buf.Bytes(), &v); jsonErr != nil {
			if allowParseError {
				return "output", s.Text(), jsonParseErrorDebug("invalid"), nil
			}
			return "", nil, nil, &orcherrors.CaptureError{Reason: "invalid"}
		}
		return "json", v, nil, nil
	default:
		return "output", s.Text(), nil, nil
	}
}

func jsonParseErrorDebug(reason string) map[string]interface{} {
	return map[string]interface{}{
		"json_parse_error": map[string]interface{}{"reason": reason},
	}
}
