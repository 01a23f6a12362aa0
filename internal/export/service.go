package export

import (
	"context"
	"fmt"
	"html/template"
	"time"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetEntity(ctx context.Context, entityID string) (EntityInfo, error)
	GetArticle(ctx context.Context, entityID string) (string, error)
	ListEvents(ctx context.Context, entityID string, limit int) ([]EventInfo, error)
}

// EntityInfo holds the card metadata rendered in the export header
type EntityInfo struct {
	ID        string
	Name      string
	Title     string
	ImageURL  string
	Tags      []string
	UpdatedAt time.Time
}

// EventInfo holds one audit-trail entry for the history appendix
type EventInfo struct {
	Kind  string
	Actor string
	At    time.Time
}

// Service provides record export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	entity, err := s.store.GetEntity(ctx, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}

	markdown, err := s.store.GetArticle(ctx, req.EntityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	data := TemplateData{
		Name:        entity.Name,
		Title:       entity.Title,
		ImageURL:    entity.ImageURL,
		Tags:        entity.Tags,
		ContentHTML: template.HTML(MarkdownToHTML(markdown)),
		UpdatedAt:   entity.UpdatedAt,
	}

	if req.IncludeEvents {
		events, err := s.store.ListEvents(ctx, req.EntityID, 50)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, event := range events {
			data.Events = append(data.Events, TemplateEvent(event))
		}
	}

	html, err := RenderArticleHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, entity.Name)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
