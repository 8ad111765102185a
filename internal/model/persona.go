package model

// Persona is a selectable visual character
type Persona struct {
	Kind     PersonaKind `json:"kind"`
	ID       string      `json:"id"`
	Label    string      `json:"label"`
	AvatarID string      `json:"avatarId,omitempty"`
	Style    string      `json:"style,omitempty"`
	AssetID  string      `json:"assetId,omitempty"`
	ImageURL string      `json:"imageUrl,omitempty"`
}

// Voice is a provider preset voice
type Voice struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Language string `json:"language,omitempty"`
}

// PersonaListResponse lists every selectable persona
type PersonaListResponse struct {
	Personas []Persona `json:"personas"`
}

// VoiceListResponse lists the preset voices
type VoiceListResponse struct {
	Voices []Voice `json:"voices"`
}
