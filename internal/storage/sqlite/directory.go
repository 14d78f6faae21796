package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/companion/internal/storage"
	"github.com/scrypster/companion/pkg/types"
)

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	var tier string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, language, tier, is_admin, points FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Name, &u.Language, &tier, &u.Admin, &u.Points)
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	u.Tier = types.Tier(tier)
	return &u, nil
}

// UpsertUser creates or updates a user's profile. Points are only written
// on insert; afterwards the ledger owns the balance.
func (s *Store) UpsertUser(ctx context.Context, u *types.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("user requires an id: %w", storage.ErrInvalidInput)
	}
	if u.Tier == "" {
		u.Tier = types.TierFree
	}
	if u.Language == "" {
		u.Language = "en"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, language, tier, is_admin, points, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, language = excluded.language, tier = excluded.tier,
			is_admin = excluded.is_admin, updated_at = excluded.updated_at
	`, u.ID, u.Name, u.Language, string(u.Tier), u.Admin, u.Points, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert user: %w", err)
	}
	return nil
}

// GetPersona retrieves a persona by ID.
func (s *Store) GetPersona(ctx context.Context, id string) (*types.Persona, error) {
	var p types.Persona
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, description, image_description, language, restricted FROM personas WHERE id = ?", id).
		Scan(&p.ID, &p.Name, &p.Description, &p.ImageDescription, &p.Language, &p.Restricted)
	if err != nil {
		return nil, notFound(err, "persona", id)
	}
	return &p, nil
}

// UpsertPersona creates or replaces a persona.
func (s *Store) UpsertPersona(ctx context.Context, p *types.Persona) error {
	if p == nil || p.ID == "" || p.Name == "" {
		return fmt.Errorf("persona requires id and name: %w", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, name, description, image_description, language, restricted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description,
			image_description = excluded.image_description, language = excluded.language,
			restricted = excluded.restricted
	`, p.ID, p.Name, p.Description, p.ImageDescription, p.Language, p.Restricted)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert persona: %w", err)
	}
	return nil
}

// GetCustomPrompt retrieves a pre-authored prompt.
func (s *Store) GetCustomPrompt(ctx context.Context, id string) (*types.CustomPrompt, error) {
	var p types.CustomPrompt
	err := s.db.QueryRowContext(ctx, "SELECT id, prompt, restricted FROM custom_prompts WHERE id = ?", id).
		Scan(&p.ID, &p.Prompt, &p.Restricted)
	if err != nil {
		return nil, notFound(err, "custom prompt", id)
	}
	return &p, nil
}

// UpsertCustomPrompt creates or replaces a custom prompt.
func (s *Store) UpsertCustomPrompt(ctx context.Context, p *types.CustomPrompt) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("custom prompt requires an id: %w", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_prompts (id, prompt, restricted) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET prompt = excluded.prompt, restricted = excluded.restricted
	`, p.ID, p.Prompt, p.Restricted)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert custom prompt: %w", err)
	}
	return nil
}

// ListGalleryImages returns a persona's gallery, optionally including
// restricted images.
func (s *Store) ListGalleryImages(ctx context.Context, personaID string, includeRestricted bool) ([]types.GalleryImage, error) {
	query := "SELECT id, persona_id, image_url, prompt, restricted FROM gallery_images WHERE persona_id = ?"
	if !includeRestricted {
		query += " AND restricted = 0"
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY id", personaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list gallery: %w", err)
	}
	defer rows.Close()

	var images []types.GalleryImage
	for rows.Next() {
		var img types.GalleryImage
		if err := rows.Scan(&img.ID, &img.PersonaID, &img.URL, &img.Prompt, &img.Restricted); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan gallery image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// AddGalleryImage stores a gallery image.
func (s *Store) AddGalleryImage(ctx context.Context, img *types.GalleryImage) error {
	if img == nil || img.PersonaID == "" || img.URL == "" {
		return fmt.Errorf("gallery image requires persona and url: %w", storage.ErrInvalidInput)
	}
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO gallery_images (id, persona_id, image_url, prompt, restricted) VALUES (?, ?, ?, ?, ?)",
		img.ID, img.PersonaID, img.URL, img.Prompt, img.Restricted)
	if err != nil {
		return fmt.Errorf("sqlite: failed to add gallery image: %w", err)
	}
	return nil
}
