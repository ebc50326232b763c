package assistant

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/jxucoder/assistchat/model"
)

// OpenAIService implements Service with the OpenAI Assistants API.
type OpenAIService struct {
	client *openai.Client
}

// NewOpenAIService creates a client for the Assistants API. baseURL may be
// empty to use the public endpoint.
func NewOpenAIService(apiKey, baseURL string) *OpenAIService {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIService{client: openai.NewClientWithConfig(cfg)}
}

func (s *OpenAIService) CreateThread(ctx context.Context) (*Thread, error) {
	thread, err := s.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return nil, errors.Wrap(err, "creating thread")
	}
	return &Thread{ID: thread.ID}, nil
}

func (s *OpenAIService) RetrieveThread(ctx context.Context, threadID string) (*Thread, error) {
	thread, err := s.client.RetrieveThread(ctx, threadID)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving thread %s", threadID)
	}
	return &Thread{ID: thread.ID}, nil
}

func (s *OpenAIService) CreateMessage(ctx context.Context, threadID, content string) error {
	_, err := s.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: content,
	})
	return errors.Wrap(err, "adding message")
}

func (s *OpenAIService) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	run, err := s.client.CreateRun(ctx, threadID, openai.RunRequest{AssistantID: assistantID})
	if err != nil {
		return nil, errors.Wrap(err, "creating run")
	}
	return convertRun(run), nil
}

func (s *OpenAIService) RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error) {
	run, err := s.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving run %s", runID)
	}
	return convertRun(run), nil
}

func (s *OpenAIService) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	order := "desc"
	list, err := s.client.ListMessage(ctx, threadID, nil, &order, nil, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "listing messages")
	}

	messages := make([]Message, 0, len(list.Messages))
	for _, m := range list.Messages {
		msg := Message{ID: m.ID, Role: model.Role(m.Role)}
		for _, c := range m.Content {
			block := ContentBlock{Type: c.Type}
			if c.Text != nil {
				block.Text = c.Text.Value
			}
			msg.Content = append(msg.Content, block)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func convertRun(run openai.Run) *Run {
	r := &Run{
		ID:       run.ID,
		ThreadID: run.ThreadID,
		Status:   RunStatus(run.Status),
	}
	if run.LastError != nil {
		r.LastError = run.LastError.Message
	}
	return r
}
