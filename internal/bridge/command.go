package bridge

import "strings"

// MessageType classifies an inbound command by its first word.
type MessageType string

const (
	MessageApproval MessageType = "approval"
	MessageOverride MessageType = "override"
	MessageShutdown MessageType = "shutdown"
	MessageGuidance MessageType = "guidance"
)

// commandTable is the closed first-word mapping. Anything else is guidance.
var commandTable = map[string]MessageType{
	"approve":  MessageApproval,
	"approved": MessageApproval,
	"yes":      MessageApproval,
	"lgtm":     MessageApproval,
	"reject":   MessageOverride,
	"rejected": MessageOverride,
	"deny":     MessageOverride,
	"no":       MessageOverride,
	"stop":     MessageShutdown,
	"halt":     MessageShutdown,
	"shutdown": MessageShutdown,
}

// ackTable is the fixed per-message-type acknowledgement.
var ackTable = map[MessageType]string{
	MessageApproval: "Approval received and forwarded to the runner.",
	MessageOverride: "Override received and forwarded to the runner.",
	MessageShutdown: "Shutdown request forwarded to the runner.",
	MessageGuidance: "Guidance forwarded to the runner.",
}

// ackRejected acknowledges a webhook that failed verification.
const ackRejected = "rejected"

// Command is the parsed form of an inbound message.
type Command struct {
	Type   MessageType
	NodeID string
	Reason string
	Text   string
}

// ParseCommand tokenizes the message text: the first word selects the type,
// the optional second token names a node for approval/override, and the
// remainder is the override reason.
func ParseCommand(text string) Command {
	cmd := Command{Type: MessageGuidance, Text: text}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return cmd
	}

	messageType, ok := commandTable[strings.ToLower(tokens[0])]
	if !ok {
		return cmd
	}
	cmd.Type = messageType

	if messageType == MessageApproval || messageType == MessageOverride {
		if len(tokens) > 1 {
			cmd.NodeID = tokens[1]
		}
		if messageType == MessageOverride && len(tokens) > 2 {
			cmd.Reason = strings.Join(tokens[2:], " ")
		}
	}
	return cmd
}

// Ack returns the fixed acknowledgement string for the message type.
func Ack(messageType MessageType) string {
	return ackTable[messageType]
}
