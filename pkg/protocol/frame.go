package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// MaxFrameSize is the largest fragment, in characters, written as one frame.
	MaxFrameSize = 16384

	// KeepaliveFrame is the bare liveness frame. It carries no message.
	KeepaliveFrame = "0"

	maxCountDigits = 6
)

// Split cuts an encoded message into the frames that carry it. A message of
// at most max characters travels as a single frame; a longer one is sent as
// a decimal fragment count followed by the fragments in order.
func Split(encoded string, max int) []string {
	if max <= 0 {
		max = MaxFrameSize
	}
	if len(encoded) <= max {
		return []string{encoded}
	}

	var fragments []string
	for rest := encoded; len(rest) > 0; {
		i, n := 0, 0
		for i < len(rest) && n < max {
			_, size := utf8.DecodeRuneInString(rest[i:])
			i += size
			n++
		}
		fragments = append(fragments, rest[:i])
		rest = rest[i:]
	}
	if len(fragments) == 1 {
		return fragments
	}

	frames := make([]string, 0, len(fragments)+1)
	frames = append(frames, strconv.Itoa(len(fragments)))
	return append(frames, fragments...)
}

// Reassembler rebuilds messages from inbound frames. It is not safe for
// concurrent use; frames must be fed in arrival order.
//
// A frame of up to six characters that parses as an integer is always taken
// as a fragment count, so a whole message whose encoding is a short digit
// string cannot be told apart from a count prefix. Encoded messages are JSON
// objects, which never look like that.
type Reassembler struct {
	expected  int
	fragments []string
}

// Feed consumes one frame. It returns the message and true once a complete
// message is available, or false while more frames are needed.
func (r *Reassembler) Feed(frame string) (Message, bool, error) {
	if r.expected > 0 {
		r.fragments = append(r.fragments, frame)
		if len(r.fragments) < r.expected {
			return nil, false, nil
		}
		joined := strings.Join(r.fragments, "")
		r.reset()
		return r.decode(joined)
	}

	if len(frame) <= maxCountDigits {
		if count, err := strconv.Atoi(frame); err == nil {
			switch {
			case count > 0:
				// the count is peer-controlled; grow the buffer as fragments arrive
				r.expected = count
				r.fragments = nil
				return nil, false, nil
			case count == 0:
				// keepalive
				return nil, false, nil
			}
		}
	}

	return r.decode(frame)
}

// Pending reports whether a fragmented message is partially collected.
func (r *Reassembler) Pending() bool {
	return r.expected > 0
}

func (r *Reassembler) reset() {
	r.expected = 0
	r.fragments = nil
}

func (r *Reassembler) decode(payload string) (Message, bool, error) {
	msg, err := Decode([]byte(payload))
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode frame: %w", err)
	}
	return msg, true, nil
}
