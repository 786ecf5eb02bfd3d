package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const extractionPrompt = `You are an expert at structured data extraction. You will be given a conversation between a visitor and a tour guide.
Extract the relevant information about the visitor and format it according to the provided schema. Follow the schema strictly and add nothing else.
If something about the visitor cannot be found, use an empty string, zero or an empty list for that field.`

// VisitorProfile is what the guide has learned about the visitor so far.
type VisitorProfile struct {
	Name      string   `json:"name" description:"visitor's first name"`
	Age       int      `json:"age" description:"age in years"`
	Country   string   `json:"country" description:"country the visitor comes from"`
	TripDays  int      `json:"trip_days" description:"length of the stay in days"`
	Interests []string `json:"interests" description:"things the visitor wants to see or do"`
}

// Extract fills a T from the conversation so far using a strict JSON schema
// response format. The system prompt is swapped for an extraction
// instruction for this one request; the history itself is left unchanged.
func Extract[T any](ctx context.Context, cs *ChatSession, name string) (*T, error) {
	var out T
	schema, err := jsonschema.GenerateSchemaForType(out)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s schema: %w", name, err)
	}

	messages := cs.extractionMessages()
	if len(messages) < 2 {
		return nil, fmt.Errorf("conversation is empty, nothing to extract")
	}

	resp, err := cs.svc.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    cs.svc.model,
		Messages: messages,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai extraction failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no extraction result from openai")
	}

	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return nil, fmt.Errorf("openai refused extraction: %s", msg.Refusal)
	}
	if err := json.Unmarshal([]byte(msg.Content), &out); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	log.Printf("[OpenAI chat] extracted %s from %d turns", name, len(messages)-1)
	return &out, nil
}

// Profile extracts a VisitorProfile from the conversation.
func (cs *ChatSession) Profile(ctx context.Context) (*VisitorProfile, error) {
	return Extract[VisitorProfile](ctx, cs, "visitor_profile")
}

// extractionMessages copies the history with the system prompt replaced.
func (cs *ChatSession) extractionMessages() []openai.ChatCompletionMessage {
	system := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: extractionPrompt}
	turns := cs.History()
	if len(turns) > 0 && turns[0].Role == openai.ChatMessageRoleSystem {
		turns = turns[1:]
	}
	return append([]openai.ChatCompletionMessage{system}, turns...)
}
