package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(content string) string {
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}]}`, content)
}

func seededSession(svc *OpenAIService) *ChatSession {
	session := svc.NewSession("You are a tour guide.")
	session.messages = append(session.messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "I'm Nino from Italy, here for 3 days. I love wine."},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "Welcome Nino! Try Kakheti."},
	)
	return session
}

func TestChatSession_ProfileUsesStrictSchemaAndKeepsHistory(t *testing.T) {
	var request map[string]any
	svc := newTestOpenAIService(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody(`{"name":"Nino","age":0,"country":"Italy","trip_days":3,"interests":["wine"]}`)))
	})
	session := seededSession(svc)

	profile, err := session.Profile(context.Background())

	require.NoError(t, err)
	assert.Equal(t, &VisitorProfile{Name: "Nino", Country: "Italy", TripDays: 3, Interests: []string{"wine"}}, profile)

	format := request["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	schema := format["json_schema"].(map[string]any)
	assert.Equal(t, "visitor_profile", schema["name"])
	assert.Equal(t, true, schema["strict"])
	props := schema["schema"].(map[string]any)["properties"].(map[string]any)
	assert.Contains(t, props, "trip_days")

	messages := request["messages"].([]any)
	require.Len(t, messages, 3)
	first := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, extractionPrompt, first["content"])

	// The original system prompt is still in place and no turns were added.
	history := session.History()
	require.Len(t, history, 3)
	assert.Equal(t, "You are a tour guide.", history[0].Content)
}

func TestChatSession_ProfileErrors(t *testing.T) {
	svc := newTestOpenAIService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("not json")))
	})

	_, err := svc.NewSession("sys").Profile(context.Background())
	require.ErrorContains(t, err, "nothing to extract")

	_, err = seededSession(svc).Profile(context.Background())
	require.ErrorContains(t, err, "failed to parse visitor_profile")
}
