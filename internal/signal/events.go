package signal

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-contrib/sse"

	"peerlink/native/internal/domain"
)

var blockEnd = []byte("\n\n")

// eventStream cuts the wait stream into event blocks. sse.Decode reads to
// EOF, so only complete blocks are handed to it.
type eventStream struct {
	buf []byte
}

// feed consumes b and returns every event it completed, in stream order.
// Comment-only blocks yield nothing.
func (s *eventStream) feed(b []byte) []sse.Event {
	s.buf = append(s.buf, b...)

	var out []sse.Event
	for {
		i := bytes.Index(s.buf, blockEnd)
		if i < 0 {
			return out
		}
		block := s.buf[:i+len(blockEnd)]
		s.buf = s.buf[i+len(blockEnd):]

		events, err := sse.Decode(bytes.NewReader(block))
		if err != nil {
			continue
		}
		out = append(out, events...)
	}
}

// eventData returns the data of ev as a string.
func eventData(ev sse.Event) string {
	switch d := ev.Data.(type) {
	case string:
		return d
	case nil:
		return ""
	default:
		return fmt.Sprint(d)
	}
}

// presence is one "name,id,connected" line.
type presence struct {
	domain.PeerRecord
	connected bool
}

func parsePresence(line string) (presence, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return presence{}, fmt.Errorf("presence line %q: expected 3 fields", line)
	}
	id, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return presence{}, fmt.Errorf("presence line %q: bad id: %w", line, err)
	}
	state, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return presence{}, fmt.Errorf("presence line %q: bad state: %w", line, err)
	}
	return presence{
		PeerRecord: domain.PeerRecord{ID: id, Name: strings.TrimSpace(parts[0])},
		connected:  state == 1,
	}, nil
}

// parsePresenceList parses a sign-in body, skipping blank or malformed
// lines.
func parsePresenceList(body []byte) []presence {
	var out []presence
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p, err := parsePresence(line)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}
