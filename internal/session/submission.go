package session

import "strings"

// SubmissionKind classifies raw channel input into one of the
// unambiguous submission categories.
type SubmissionKind string

const (
	SubmissionUserInput        SubmissionKind = "user_input"
	SubmissionSystemCommand    SubmissionKind = "system_command"
	SubmissionUndo             SubmissionKind = "undo"
	SubmissionRedo             SubmissionKind = "redo"
	SubmissionInterrupt        SubmissionKind = "interrupt"
	SubmissionCompact          SubmissionKind = "compact"
	SubmissionHeartbeat        SubmissionKind = "heartbeat"
	SubmissionQuit             SubmissionKind = "quit"
	SubmissionNewThread        SubmissionKind = "new_thread"
	SubmissionSwitchThread     SubmissionKind = "switch_thread"
	SubmissionApprovalResponse SubmissionKind = "approval_response"
)

// Submission is the classified result of parsing raw channel text.
type Submission struct {
	Kind SubmissionKind
	// Raw is the original, untrimmed input text.
	Raw string
	// Arg is the remainder after a recognized command prefix, e.g. the
	// model name for "/model gpt-4o" or the target for "/switch general".
	Arg string
}

var systemCommands = map[string]bool{
	"/help": true, "/tools": true, "/model": true, "/debug": true, "/ping": true,
}

// ParseSubmission classifies raw input. When waitingApproval is true, any
// input that parses as an approval response takes precedence over
// UserInput, even if it would otherwise also match
// a command prefix.
func ParseSubmission(raw string, waitingApproval bool) Submission {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)

	if waitingApproval {
		if isApprovalText(lower) {
			return Submission{Kind: SubmissionApprovalResponse, Raw: raw}
		}
	}

	switch lower {
	case "/undo":
		return Submission{Kind: SubmissionUndo, Raw: raw}
	case "/redo":
		return Submission{Kind: SubmissionRedo, Raw: raw}
	case "/stop", "/interrupt", "/cancel":
		return Submission{Kind: SubmissionInterrupt, Raw: raw}
	case "/compact":
		return Submission{Kind: SubmissionCompact, Raw: raw}
	case "/heartbeat":
		return Submission{Kind: SubmissionHeartbeat, Raw: raw}
	case "/quit", "/exit":
		return Submission{Kind: SubmissionQuit, Raw: raw}
	case "/new", "/new-thread":
		return Submission{Kind: SubmissionNewThread, Raw: raw}
	}

	if strings.HasPrefix(lower, "/switch") {
		arg := strings.TrimSpace(trimmed[len("/switch"):])
		return Submission{Kind: SubmissionSwitchThread, Raw: raw, Arg: arg}
	}

	for cmd := range systemCommands {
		if lower == cmd || strings.HasPrefix(lower, cmd+" ") {
			arg := strings.TrimSpace(trimmed[len(cmd):])
			return Submission{Kind: SubmissionSystemCommand, Raw: raw, Arg: arg}
		}
	}

	// Outside WaitingApproval, "yes"/"no"/"always" are ordinary user input.
	return Submission{Kind: SubmissionUserInput, Raw: raw}
}

func isApprovalText(lower string) bool {
	switch lower {
	case "yes", "y", "approve", "always", "no", "n", "deny":
		return true
	default:
		return false
	}
}
