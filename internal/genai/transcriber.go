package genai

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// GroqBaseURL is the OpenAI-compatible endpoint used for voice notes.
	GroqBaseURL               = "https://api.groq.com/openai/v1/"
	DefaultTranscriptionModel = "whisper-large-v3"
	DefaultLanguage           = "pt"
)

type transcriptionService interface {
	Create(ctx context.Context, params openai.AudioTranscriptionNewParams) (openai.Transcription, error)
}

type transcriptionsAdapter struct {
	svc *openai.AudioTranscriptionService
}

func (a transcriptionsAdapter) Create(ctx context.Context, params openai.AudioTranscriptionNewParams) (openai.Transcription, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.Transcription{}, err
	}
	return *resp, nil
}

// Transcriber turns voice notes into text.
type Transcriber struct {
	audio    transcriptionService
	model    string
	language string
}

// NewTranscriber creates a Transcriber against baseURL (GroqBaseURL when empty).
func NewTranscriber(apiKey, baseURL string) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("transcription API key not set: %w", models.ErrNotConfigured)
	}
	if baseURL == "" {
		baseURL = GroqBaseURL
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL))
	return &Transcriber{
		audio:    transcriptionsAdapter{svc: &cli.Audio.Transcriptions},
		model:    DefaultTranscriptionModel,
		language: DefaultLanguage,
	}, nil
}

// Transcribe sends the audio bytes and returns the trimmed transcript.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, fileName, mimeType string) (string, error) {
	if fileName == "" {
		fileName = "audio.ogg"
	}
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	resp, err := t.audio.Create(ctx, openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(audio), fileName, mimeType),
		Model:    openai.AudioModel(t.model),
		Language: openai.String(t.language),
	})
	if err != nil {
		slog.Error("Transcriber.Transcribe: request failed", "bytes", len(audio), "error", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	slog.Debug("Transcriber.Transcribe: done", "bytes", len(audio), "chars", len(text))
	return text, nil
}
