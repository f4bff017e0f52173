// Package contracttests checks the stand's wire protocols from the outside:
// the console command/reply frames and the controller<->worker instruction
// frames.
package contracttests

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	instructionPattern = regexp.MustCompile(`^[1-8] (True|False)$`)
	workerReplyPattern = regexp.MustCompile(`^(ACK: [^,;]+|ERR: [^,;]+(,[^;]+)?)$`)
)

// ValidateReplyFrame checks a console reply frame against the batch that
// produced it: one reply per command, in order, each echoing its command
// behind an ACK or ERR prefix, and a trailing separator.
func ValidateReplyFrame(batch, frame string) error {
	if !strings.HasSuffix(frame, ";") {
		return fmt.Errorf("reply frame must end with ';', got %q", frame)
	}

	commands := splitFrame(batch)
	replies := splitFrame(frame)
	if len(replies) != len(commands) {
		return fmt.Errorf("expected %d replies, got %d in %q", len(commands), len(replies), frame)
	}

	for i, reply := range replies {
		prefix, echoed, ok := strings.Cut(reply, ": ")
		if !ok {
			return fmt.Errorf("reply %d has no status prefix: %q", i, reply)
		}
		if prefix != "ACK" && prefix != "ERR" {
			return fmt.Errorf("reply %d status must be ACK or ERR, got %q", i, prefix)
		}
		if echoed != commands[i] {
			return fmt.Errorf("reply %d echoes %q, expected %q", i, echoed, commands[i])
		}
	}
	return nil
}

// Statuses extracts the ACK/ERR status of every reply in a frame.
func Statuses(frame string) []string {
	var statuses []string
	for _, reply := range splitFrame(frame) {
		prefix, _, _ := strings.Cut(reply, ":")
		statuses = append(statuses, prefix)
	}
	return statuses
}

// ValidateInstruction checks a controller->worker instruction frame.
func ValidateInstruction(frame string) error {
	if !instructionPattern.MatchString(frame) {
		return fmt.Errorf("instruction must be '<1-8> <True|False>', got %q", frame)
	}
	return nil
}

// ValidateWorkerReply checks a worker->controller reply frame for instr.
func ValidateWorkerReply(instr, frame string) error {
	if !workerReplyPattern.MatchString(frame) {
		return fmt.Errorf("worker reply must be 'ACK: <instr>' or 'ERR: <instr>[,<reason>]', got %q", frame)
	}
	body := frame[len("ACK: "):]
	if payload, _, _ := strings.Cut(body, ","); payload != instr {
		return fmt.Errorf("worker reply echoes %q, expected %q", payload, instr)
	}
	return nil
}

func splitFrame(frame string) []string {
	var parts []string
	for _, part := range strings.Split(strings.TrimRight(frame, ";"), ";") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
