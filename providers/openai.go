package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

const studyGuidePrompt = `You are a technical writer. Produce a structured study guide in Markdown from the transcript below. Include a summary, key concepts with timestamps where available, and a short quiz. Do not invent content that is not supported by the transcript.`

// OpenAIProvider generates blueprint documents from transcripts via the chat
// completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func CreateOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

func (p *OpenAIProvider) Key() string {
	return "openai"
}

func (p *OpenAIProvider) GenerateBlueprint(ctx context.Context, req *GenerationRequest) (*GenerationResult, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, fmt.Errorf("empty transcript for source item %s", req.SourceItemID)
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: studyGuidePrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Title: %s\n\nTranscript:\n%s", req.Title, req.Transcript)},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no completion returned for source item %s", req.SourceItemID)
	}

	return &GenerationResult{
		BlueprintID: uuid.NewString(),
		Document:    resp.Choices[0].Message.Content,
		Model:       resp.Model,
		TokensUsed:  resp.Usage.TotalTokens,
	}, nil
}
