package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"luna-backend/internal/models"
)

const tutorSystemPrompt = `You are Luna, a patient one-to-one tutor speaking with a student during a live lesson.
Answer the student's latest message in plain conversational text (no markdown, no lists unless asked).
Keep each reply short enough to be spoken aloud in under a minute, check understanding with a
question when it helps, and stay on the topic of the current lesson.`

// maxHistoryExchanges bounds how many earlier turns are replayed to the model.
const maxHistoryExchanges = 12

// GeminiTutor asks Gemini for the next teacher utterance.
type GeminiTutor struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
	rateChan  chan struct{} // Token bucket
}

func NewGeminiTutor(apiKey, modelName string, concurrentReqs int) (*GeminiTutor, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.4)
	model.SetTopP(0.95)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(tutorSystemPrompt)}}

	if concurrentReqs <= 0 {
		concurrentReqs = 1
	}
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiTutor{
		client:    client,
		model:     model,
		modelName: modelName,
		rateChan:  rateChan,
	}, nil
}

func (s *GeminiTutor) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available
func (s *GeminiTutor) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (s *GeminiTutor) releaseRate() {
	s.rateChan <- struct{}{}
}

func (s *GeminiTutor) SelectNextAction(ctx context.Context, tc TeachingContext) (*TeachingAction, error) {
	if err := s.acquireRate(ctx); err != nil {
		return nil, err
	}
	defer s.releaseRate()

	cs := s.model.StartChat()
	cs.History = buildChatHistory(tc)

	resp, err := cs.SendMessage(ctx, genai.Text(tc.StudentInput))
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}

	for i, cand := range resp.Candidates {
		if cand.FinishReason != genai.FinishReasonStop {
			log.Printf("Gemini candidate %d for session %s stopped due to %s", i, tc.SessionID, cand.FinishReason)
		}
	}

	text := strings.TrimSpace(extractText(resp))
	if text == "" {
		return nil, fmt.Errorf("Gemini returned empty text for turn %s", tc.TurnID)
	}

	actionType := ActionExplain
	if strings.HasSuffix(text, "?") {
		actionType = ActionQuestion
	}

	meta := models.Data{
		"sessionId": models.String(tc.SessionID),
		"studentId": models.String(tc.StudentID),
		"model":     models.String(s.modelName),
	}
	if resp.UsageMetadata != nil {
		meta["totalTokens"] = models.Int(int(resp.UsageMetadata.TotalTokenCount))
	}

	return &TeachingAction{
		ActionType: actionType,
		Content:    text,
		Metadata:   meta,
	}, nil
}

func buildChatHistory(tc TeachingContext) []*genai.Content {
	history := tc.History
	if len(history) > maxHistoryExchanges {
		history = history[len(history)-maxHistoryExchanges:]
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []genai.Part{genai.Text(fmt.Sprintf("We are working on lesson %s.", tc.LessonID))},
	}, {
		Role:  "model",
		Parts: []genai.Part{genai.Text("Great, let's begin.")},
	}}

	for _, ex := range history {
		contents = append(contents,
			&genai.Content{Role: "user", Parts: []genai.Part{genai.Text(ex.Student)}},
			&genai.Content{Role: "model", Parts: []genai.Part{genai.Text(ex.Teacher)}},
		)
	}
	return contents
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
