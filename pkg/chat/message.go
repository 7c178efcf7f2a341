package chat

import (
	"encoding/json"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// maxLocalDebitTimes caps the per-exchange debit in continuous mode.
	maxLocalDebitTimes = 5
	costPerByte        = 4
)

type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

func NormalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleSystem:
		return RoleSystem
	case RoleUser:
		return RoleUser
	case RoleAssistant:
		return RoleAssistant
	default:
		return ""
	}
}

func Clone(in []Message) []Message {
	if in == nil {
		return nil
	}
	return append([]Message(nil), in...)
}

func LastContent(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

// ConsumeTimes is the turn count sent to the account service for a history of n messages.
func ConsumeTimes(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 1) / 2
}

// LocalDebit mirrors the account service debit so clients can update their cached balance.
func LocalDebit(historyLen int, continuous bool) int {
	if !continuous {
		return 1
	}
	times := ConsumeTimes(historyLen)
	if times > maxLocalDebitTimes {
		times = maxLocalDebitTimes
	}
	return times
}

func EstimateCost(messages []Message) int {
	b, err := json.Marshal(messages)
	if err != nil {
		return 0
	}
	return len(b) * costPerByte
}
