package service

import (
	"context"

	"backplane/internal/domain"
	"backplane/internal/dto"
)

type MessageService interface {
	Publish(ctx context.Context, caller *domain.Token, bus, channel string, messages []map[string]any) ([]string, error)
	Read(ctx context.Context, caller *domain.Token, f dto.MessageFilter) (*dto.MessagesResponse, error)
	Get(ctx context.Context, caller *domain.Token, messageID string, includePayload bool) (*domain.Frame, error)

	// Basic-Auth bus endpoints.
	PublishAs(ctx context.Context, user, bus, channel string, messages []map[string]any) ([]string, error)
	ReadBus(ctx context.Context, bus, since, sticky string) ([]domain.Frame, error)
	ReadChannel(ctx context.Context, bus, channel, since, sticky string) ([]domain.Frame, error)
}
