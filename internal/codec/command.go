// Package codec implements the text protocols spoken on the stand: the
// operator console command grammar with its ACK/ERR replies, and the
// relay-set instructions exchanged between the controller and its workers.
package codec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags the variant of a decoded command.
type Kind int

const (
	KindToggle Kind = iota
	KindEnableFire
	KindFire
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindToggle:
		return "toggle"
	case KindEnableFire:
		return "enable_fire"
	case KindFire:
		return "fire"
	case KindAbort:
		return "abort"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Symbolic switch ids.
const (
	SwitchEnableFire = "ENABLE FIRE"
	SwitchFire       = "FIRE"
	SwitchAbort      = "ABORT"
)

// ErrUnexpectedCommand is wrapped by every DecodeError.
var ErrUnexpectedCommand = errors.New("unexpected command")

// DecodeError reports command text that does not match the grammar.
type DecodeError struct {
	Text   string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unexpected command %q", e.Text)
	}
	return fmt.Sprintf("unexpected command %q: %s", e.Text, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrUnexpectedCommand
}

// Command is one decoded console command.
type Command struct {
	Raw    string // text as received, trimmed
	Kind   Kind
	Switch string // canonical switch id: decimal digits or a symbolic name
	State  bool
}

// Name is the key used to look up an override sequence for the command.
func (c Command) Name() string {
	switch c.Kind {
	case KindEnableFire:
		if c.State {
			return "ENABLE FIRE"
		}
		return "DISABLE FIRE"
	default:
		return c.Switch
	}
}

// Decode parses one command. Keywords are case-insensitive and may be
// separated by any run of whitespace.
func Decode(text string) (Command, error) {
	raw := strings.TrimSpace(text)
	fields := strings.Fields(strings.ToLower(raw))
	cmd := Command{Raw: raw}

	switch {
	case len(fields) == 0:
		return cmd, &DecodeError{Text: raw, Reason: "empty"}

	case isDigits(fields[0]):
		if len(fields) != 2 {
			return cmd, &DecodeError{Text: raw, Reason: "expected <id> open|close"}
		}
		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return cmd, &DecodeError{Text: raw, Reason: "switch id out of range"}
		}
		state, ok := openClose(fields[1])
		if !ok {
			return cmd, &DecodeError{Text: raw, Reason: fmt.Sprintf("switch %d not open or close", id)}
		}
		cmd.Kind = KindToggle
		cmd.Switch = strconv.FormatUint(id, 10)
		cmd.State = state

	case len(fields) == 2 && fields[1] == "fire" && (fields[0] == "enable" || fields[0] == "disable"):
		cmd.Kind = KindEnableFire
		cmd.Switch = SwitchEnableFire
		cmd.State = fields[0] == "enable"

	case len(fields) == 1 && fields[0] == "fire":
		cmd.Kind = KindFire
		cmd.Switch = SwitchFire
		cmd.State = true

	case len(fields) == 2 && fields[0] == "abort":
		state, ok := openClose(fields[1])
		if !ok {
			return cmd, &DecodeError{Text: raw, Reason: "abort not open or close"}
		}
		cmd.Kind = KindAbort
		cmd.Switch = SwitchAbort
		cmd.State = state

	default:
		return cmd, &DecodeError{Text: raw}
	}

	return cmd, nil
}

// EncodeAck answers a command that took effect.
func EncodeAck(cmd string) string {
	return "ACK: " + cmd
}

// EncodeErr answers a command that failed or could not be decoded.
func EncodeErr(cmd string) string {
	return "ERR: " + cmd
}

// SplitBatch splits one console frame into its commands. Trailing
// separators are stripped and empty segments are dropped.
func SplitBatch(frame string) []string {
	frame = strings.TrimRight(strings.TrimSpace(frame), ";")
	if frame == "" {
		return nil
	}

	parts := strings.Split(frame, ";")
	cmds := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			cmds = append(cmds, part)
		}
	}
	return cmds
}

// JoinReplies builds the reply frame for one batch.
func JoinReplies(replies []string) string {
	if len(replies) == 0 {
		return ""
	}
	return strings.Join(replies, ";") + ";"
}

func openClose(word string) (bool, bool) {
	switch word {
	case "open":
		return true, true
	case "close":
		return false, true
	default:
		return false, false
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
