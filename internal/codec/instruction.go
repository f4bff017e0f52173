package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Separator terminates every frame on the controller<->worker link.
const Separator = ";"

// Reasons carried in worker ERR replies.
const (
	ReasonInvalidFormat = "invalid format"
	ReasonOutOfRange    = "relay out of range"
	ReasonMismatch      = "state mismatch"
	ReasonDriver        = "driver error"
)

var (
	ErrInvalidInstruction = errors.New(ReasonInvalidFormat)
	ErrRelayOutOfRange    = errors.New(ReasonOutOfRange)
)

// Instruction asks a node to drive one relay.
type Instruction struct {
	Relay int
	State bool
}

// String renders the wire form, e.g. "3 True".
func (i Instruction) String() string {
	state := "False"
	if i.State {
		state = "True"
	}
	return fmt.Sprintf("%d %s", i.Relay, state)
}

// ParseInstruction validates "<relay> <True|False>" with relay in 1..maxRelay.
func ParseInstruction(text string, maxRelay int) (Instruction, error) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return Instruction{}, ErrInvalidInstruction
	}

	relay, err := strconv.Atoi(fields[0])
	if err != nil {
		return Instruction{}, ErrInvalidInstruction
	}

	var state bool
	switch strings.ToLower(fields[1]) {
	case "true":
		state = true
	case "false":
		state = false
	default:
		return Instruction{}, ErrInvalidInstruction
	}

	if relay < 1 || relay > maxRelay {
		return Instruction{}, ErrRelayOutOfRange
	}
	return Instruction{Relay: relay, State: state}, nil
}

// Reply is a worker's answer to one instruction.
type Reply struct {
	OK      bool
	Payload string // the echoed instruction
	Reason  string // set on some ERR replies
}

// String renders the wire form without the trailing separator.
func (r Reply) String() string {
	if r.OK {
		return "ACK: " + r.Payload
	}
	if r.Reason == "" {
		return "ERR: " + r.Payload
	}
	return "ERR: " + r.Payload + "," + r.Reason
}

// ParseReply decodes "ACK: <instr>", "ERR: <instr>" or "ERR: <instr>,<reason>".
func ParseReply(frame string) (Reply, bool) {
	frame = strings.TrimSpace(frame)
	switch {
	case strings.HasPrefix(frame, "ACK: "):
		return Reply{OK: true, Payload: strings.TrimSpace(strings.TrimPrefix(frame, "ACK: "))}, true
	case strings.HasPrefix(frame, "ERR: "):
		body := strings.TrimPrefix(frame, "ERR: ")
		payload, reason, _ := strings.Cut(body, ",")
		return Reply{Payload: strings.TrimSpace(payload), Reason: strings.TrimSpace(reason)}, true
	default:
		return Reply{}, false
	}
}

// Answers reports whether the reply is for instruction i.
func (r Reply) Answers(i Instruction) bool {
	return r.Payload == i.String()
}

// Framer reassembles separator-terminated frames from a byte stream.
// Incomplete trailing data is kept until the next Feed.
type Framer struct {
	pending []byte
}

// Feed appends p and returns every frame completed by it, trimmed and
// without separators. Empty frames are dropped.
func (f *Framer) Feed(p []byte) []string {
	f.pending = append(f.pending, p...)
	data := string(f.pending)

	last := strings.LastIndex(data, Separator)
	if last < 0 {
		return nil
	}
	f.pending = append(f.pending[:0], data[last+1:]...)

	var frames []string
	for _, frame := range strings.Split(data[:last], Separator) {
		if frame = strings.TrimSpace(frame); frame != "" {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Reset discards any partial frame.
func (f *Framer) Reset() {
	f.pending = f.pending[:0]
}
