package upstream

import (
	"net/http"
	"strings"

	"github.com/juststayawake/chatuser/pkg/chat"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultModel       = openai.GPT3Dot5Turbo
	DefaultTemperature = 0.6
)

type Request struct {
	Header http.Header
	Body   openai.ChatCompletionRequest
}

// Build wraps messages into a streaming chat completion request. It does no I/O.
func Build(apiKey, model string, messages []chat.Message) Request {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(apiKey); key != "" {
		h.Set("Authorization", "Bearer "+key)
	}
	return Request{
		Header: h,
		Body: openai.ChatCompletionRequest{
			Model:       model,
			Messages:    out,
			Temperature: DefaultTemperature,
			Stream:      true,
		},
	}
}
