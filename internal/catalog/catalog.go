// Package catalog resolves persona selections into provider character specs
// and holds the preset voice list.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/voiceavatar/api/internal/client"
	"github.com/voiceavatar/api/internal/config"
	"github.com/voiceavatar/api/internal/model"
)

var (
	// ErrUnknownPersona is returned when a persona reference matches nothing
	ErrUnknownPersona = errors.New("unknown persona")
	// ErrInvalidLabel is returned when a custom persona has no usable label
	ErrInvalidLabel = errors.New("persona label is required")
)

const maxLabelLength = 80

// AssetUploader is the part of the avatar provider the catalog needs
type AssetUploader interface {
	UploadAsset(ctx context.Context, data []byte, kind client.AssetKind) (*client.Asset, error)
}

// Resolved is a persona turned into something the provider can render
type Resolved struct {
	Label     string
	Character model.CharacterSpec
}

// Catalog holds preset personas, registered custom personas and preset voices
type Catalog struct {
	uploader AssetUploader

	mu       sync.RWMutex
	presets  []model.Persona
	custom   []model.Persona
	voices   []model.Voice
	voiceIdx map[string]model.Voice
}

// New builds a catalog from configuration
func New(cfg *config.CatalogConfig, uploader AssetUploader) *Catalog {
	c := &Catalog{
		uploader: uploader,
		voiceIdx: make(map[string]model.Voice),
	}
	for _, p := range cfg.Personas {
		if p.ID == "" || p.AvatarID == "" {
			log.Warn().Str("persona_id", p.ID).Msg("skipping preset persona without id or avatar_id")
			continue
		}
		label := p.Label
		if label == "" {
			label = p.ID
		}
		c.presets = append(c.presets, model.Persona{
			Kind:     model.PersonaKindPreset,
			ID:       p.ID,
			Label:    label,
			AvatarID: p.AvatarID,
			Style:    p.Style,
			ImageURL: p.ImageURL,
		})
	}
	for _, v := range cfg.Voices {
		if v.ID == "" {
			continue
		}
		voice := model.Voice{ID: v.ID, Label: v.Label, Language: v.Language}
		if voice.Label == "" {
			voice.Label = v.ID
		}
		c.voices = append(c.voices, voice)
		c.voiceIdx[v.ID] = voice
	}
	return c
}

// Personas returns presets followed by custom personas in registration order
func (c *Catalog) Personas() []model.Persona {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.Persona, 0, len(c.presets)+len(c.custom))
	out = append(out, c.presets...)
	out = append(out, c.custom...)
	return out
}

// Voices returns the preset voices
func (c *Catalog) Voices() []model.Voice {
	out := make([]model.Voice, len(c.voices))
	copy(out, c.voices)
	return out
}

// HasVoice reports whether id is a known preset voice. An empty catalog
// accepts any id.
func (c *Catalog) HasVoice(id string) bool {
	if len(c.voiceIdx) == 0 {
		return id != ""
	}
	_, ok := c.voiceIdx[id]
	return ok
}

// VoiceLabel returns the display label for a preset voice, falling back to the id
func (c *Catalog) VoiceLabel(id string) string {
	if v, ok := c.voiceIdx[id]; ok {
		return v.Label
	}
	return id
}

// Resolve maps a persona reference to its label and character spec
func (c *Catalog) Resolve(ref model.PersonaRef) (*Resolved, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch ref.Kind {
	case model.PersonaKindPreset:
		for _, p := range c.presets {
			if p.ID == ref.ID {
				return &Resolved{
					Label:     p.Label,
					Character: model.AvatarCharacter{AvatarID: p.AvatarID, Style: p.Style},
				}, nil
			}
		}
	case model.PersonaKindCustom:
		for _, p := range c.custom {
			if p.ID == ref.ID {
				return &Resolved{
					Label:     p.Label,
					Character: model.TalkingPhotoCharacter{TalkingPhotoID: p.AssetID},
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPersona, ref.Kind, ref.ID)
}

// RegisterCustom uploads an image and registers it as a talking-photo persona
func (c *Catalog) RegisterCustom(ctx context.Context, label string, image []byte) (*model.Persona, error) {
	label = strings.TrimSpace(label)
	if label == "" || len(label) > maxLabelLength {
		return nil, ErrInvalidLabel
	}

	asset, err := c.uploader.UploadAsset(ctx, image, client.AssetKindImage)
	if err != nil {
		return nil, err
	}

	persona := model.Persona{
		Kind:     model.PersonaKindCustom,
		ID:       uuid.New().String(),
		Label:    label,
		AssetID:  asset.ID,
		ImageURL: asset.URL,
	}

	c.mu.Lock()
	c.custom = append(c.custom, persona)
	c.mu.Unlock()

	log.Info().Str("persona_id", persona.ID).Str("asset_id", asset.ID).Msg("custom persona registered")
	return &persona, nil
}
