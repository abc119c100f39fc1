package streamer

import "strings"

const (
	StartMarker = "SHSF_FUNCTION_RESULT_START"
	EndMarker   = "SHSF_FUNCTION_RESULT_END"
)

// Splitter separates log text from the structured result block in a chunked output stream. Markers
// may be split across chunks. When several blocks are emitted the last complete one wins.
type Splitter struct {
	pending string
	inBlock bool
	current strings.Builder
	raw     string
	found   bool
}

// Feed consumes one chunk and returns the log text that is final so far
func (s *Splitter) Feed(p []byte) string {
	s.pending += string(p)

	var logs strings.Builder
	for {
		if !s.inBlock {
			i := strings.Index(s.pending, StartMarker)
			if i < 0 {
				keep := partialSuffix(s.pending, StartMarker)
				logs.WriteString(s.pending[:len(s.pending)-keep])
				s.pending = s.pending[len(s.pending)-keep:]
				return logs.String()
			}
			logs.WriteString(s.pending[:i])
			s.pending = s.pending[i+len(StartMarker):]
			s.inBlock = true
			s.current.Reset()
			continue
		}

		i := strings.Index(s.pending, EndMarker)
		if i < 0 {
			keep := partialSuffix(s.pending, EndMarker)
			s.current.WriteString(s.pending[:len(s.pending)-keep])
			s.pending = s.pending[len(s.pending)-keep:]
			return logs.String()
		}
		s.current.WriteString(s.pending[:i])
		s.pending = s.pending[i+len(EndMarker):]
		s.inBlock = false
		s.raw = s.current.String()
		s.found = true
	}
}

// Flush ends the stream and returns the remaining log text. An unterminated block is returned as log
// text, start marker included.
func (s *Splitter) Flush() string {
	rest := s.pending
	s.pending = ""
	if s.inBlock {
		rest = StartMarker + s.current.String() + rest
		s.inBlock = false
		s.current.Reset()
	}
	return rest
}

// Raw returns the content of the last complete block without surrounding whitespace
func (s *Splitter) Raw() (string, bool) {
	return strings.TrimSpace(s.raw), s.found
}

// partialSuffix returns the length of the longest suffix of text that is a proper prefix of marker
func partialSuffix(text, marker string) int {
	n := len(marker) - 1
	if n > len(text) {
		n = len(text)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(text, marker[:n]) {
			return n
		}
	}
	return 0
}
