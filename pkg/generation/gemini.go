package generation

import (
	"context"
	"fmt"
	"io"
	"iter"

	"google.golang.org/genai"

	"github.com/voxloop/voxloop/pkg/chat"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini implements Service on the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini-backed generation service.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{client: client, model: model}, nil
}

// Model returns the configured model name.
func (g *Gemini) Model() string { return g.model }

func (g *Gemini) Generate(ctx context.Context, history []chat.Message, systemPrompt string) (Stream, error) {
	if len(history) == 0 {
		return nil, chat.NewValidationError("history must not be empty")
	}

	contents := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		role := genai.Role(genai.RoleUser)
		if msg.Role == chat.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Text, role))
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	next, stop := iter.Pull2(g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg))
	return &geminiStream{next: next, stop: stop}, nil
}

// geminiStream adapts the genai response iterator to Stream.
type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	done bool
}

func (s *geminiStream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	resp, err, ok := s.next()
	if !ok {
		s.done = true
		return "", io.EOF
	}
	if err != nil {
		s.done = true
		return "", chat.NewTransportError(fmt.Sprintf("gemini stream: %v", err))
	}
	return resp.Text(), nil
}

func (s *geminiStream) Close() error {
	if !s.done {
		s.done = true
		s.stop()
	}
	return nil
}
