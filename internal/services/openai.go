package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultChatModel = "gpt-4o-mini"

type OpenAIService struct {
	client *openai.Client
	model  string
}

func NewOpenAIService(apiKey, model string) *OpenAIService {
	if model == "" {
		model = defaultChatModel
	}
	return &OpenAIService{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// ChatSession is one running conversation. It keeps the system prompt and
// every completed user/assistant exchange. Not safe for concurrent use.
type ChatSession struct {
	svc      *OpenAIService
	messages []openai.ChatCompletionMessage
}

// NewSession starts a conversation seeded with systemPrompt.
func (s *OpenAIService) NewSession(systemPrompt string) *ChatSession {
	cs := &ChatSession{svc: s}
	if systemPrompt != "" {
		cs.messages = append(cs.messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	return cs
}

// Send streams the assistant's reply to text. onDelta (optional) receives
// each content fragment as it arrives; the full reply is returned.
// On failure the user turn is dropped so the history stays consistent.
func (cs *ChatSession) Send(ctx context.Context, text string, onDelta func(string)) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("message is empty")
	}

	cs.messages = append(cs.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	reply, err := cs.stream(ctx, onDelta)
	if err != nil {
		cs.messages = cs.messages[:len(cs.messages)-1]
		return "", err
	}

	cs.messages = append(cs.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply,
	})
	return reply, nil
}

func (cs *ChatSession) stream(ctx context.Context, onDelta func(string)) (string, error) {
	stream, err := cs.svc.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    cs.svc.model,
		Messages: cs.messages,
		Stream:   true,
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("openai stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	if reply.Len() == 0 {
		return "", fmt.Errorf("no response from openai")
	}

	log.Printf("[OpenAI chat] reply streamed (model=%s, len=%d, turns=%d)", cs.svc.model, reply.Len(), len(cs.messages))
	return reply.String(), nil
}

// History returns a copy of the conversation so far.
func (cs *ChatSession) History() []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(cs.messages))
	copy(out, cs.messages)
	return out
}
