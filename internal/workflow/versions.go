package workflow

import "time"

// DefinitionSummary is a definition version without its graph and contracts.
type DefinitionSummary struct {
	ID          string     `json:"id"`
	Version     int        `json:"version"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	TenantID    string     `json:"tenant_id,omitempty"`
	IsDraft     bool       `json:"is_draft"`
	IsPublished bool       `json:"is_published"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

func (d Definition) Summary() DefinitionSummary {
	return DefinitionSummary{
		ID:          d.ID,
		Version:     d.Version,
		Name:        d.Name,
		Description: d.Description,
		Category:    d.Category,
		Tags:        append([]string(nil), d.Tags...),
		TenantID:    d.TenantID,
		IsDraft:     d.IsDraft,
		IsPublished: d.IsPublished,
		IsActive:    d.IsActive,
		CreatedAt:   d.CreatedAt,
		PublishedAt: cloneTime(d.PublishedAt),
	}
}
