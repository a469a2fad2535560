// Package genaiworker is an example interfaces.Worker backed by
// google.golang.org/genai (spec.md section 1: the concrete worker is out
// of core scope; this is one exercised implementation, grounded on the
// same client construction idiom as internal/clients/gemini in the
// retrieval pack). Work is expected to carry a *Request; the payload
// returned is the plain UTF-8 text of the model's response.
package genaiworker

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/bobmcallan/jobsrv/internal/common"
	"github.com/bobmcallan/jobsrv/internal/interfaces"
	"github.com/bobmcallan/jobsrv/internal/models"
)

// SchemaText tags a completed promise payload as plain UTF-8 text
// produced by Worker.
const SchemaText models.SchemaTag = 1

// Request is the models.Work payload this worker understands: a prompt
// plus optional reference URLs to ground the response in (mirrors the
// gemini client's URL-context tool).
type Request struct {
	Prompt string
	URLs   []string
}

// Worker implements interfaces.Worker over the Gemini API.
type Worker struct {
	client *genai.Client
	model  string
	log    *common.Logger
}

// New constructs a Worker. apiKey and model come from
// common.Config.Worker.Genai.
func New(ctx context.Context, apiKey string, model string, log *common.Logger) (*Worker, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genaiworker: create client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Worker{client: client, model: model, log: log}, nil
}

var _ interfaces.Worker = (*Worker)(nil)

// Execute runs work.(*Request)'s prompt against the configured model and
// returns the response text as the promise payload.
func (w *Worker) Execute(ctx context.Context, work models.Work) ([]byte, models.SchemaTag, error) {
	req, ok := work.(*Request)
	if !ok {
		return nil, 0, fmt.Errorf("genaiworker: expected *Request, got %T", work)
	}

	prompt := req.Prompt
	var config *genai.GenerateContentConfig
	if len(req.URLs) > 0 {
		for _, u := range req.URLs {
			prompt += "\nReference: " + u
		}
		config = &genai.GenerateContentConfig{
			Tools: []*genai.Tool{{URLContext: &genai.URLContext{}}},
		}
	}

	w.log.Debug().Str("model", w.model).Msg("genaiworker: generating content")

	result, err := w.client.Models.GenerateContent(ctx, w.model, genai.Text(prompt), config)
	if err != nil {
		return nil, 0, fmt.Errorf("genaiworker: generate content: %w", err)
	}

	text, err := extractText(result)
	if err != nil {
		return nil, 0, err
	}
	return []byte(text), SchemaText, nil
}

func extractText(result *genai.GenerateContentResponse) (string, error) {
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("genaiworker: no content generated")
	}
	text := ""
	for _, part := range result.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text, nil
}
