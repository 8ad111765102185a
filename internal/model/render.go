package model

// Recording is captured audio plus its MIME/encoding tag
type Recording struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Empty reports whether no audio was captured
func (r Recording) Empty() bool {
	return len(r.Data) == 0
}

// PersonaRef is the user's persona selection before resolution
type PersonaRef struct {
	Kind PersonaKind `json:"kind"`
	ID   string      `json:"id"`
}

// Empty reports whether no persona was selected
func (p PersonaRef) Empty() bool {
	return p.Kind == "" || p.ID == ""
}

// RenderRequest is the caller-supplied input to a generation
type RenderRequest struct {
	Audio         Recording  `json:"audio"`
	VoiceMode     VoiceMode  `json:"voiceMode"`
	PresetVoiceID string     `json:"presetVoiceId,omitempty"`
	Persona       PersonaRef `json:"persona"`
}

// VoiceConfig is the voice half of a render job. It is either a TextVoice or
// an AudioVoice.
type VoiceConfig interface {
	isVoiceConfig()
}

// TextVoice speaks Text with a provider voice
type TextVoice struct {
	VoiceID string
	Text    string
}

// AudioVoice lip-syncs to a previously uploaded audio asset
type AudioVoice struct {
	AssetID string
}

func (TextVoice) isVoiceConfig()  {}
func (AudioVoice) isVoiceConfig() {}

// CharacterSpec is the render-time character. It is either an
// AvatarCharacter or a TalkingPhotoCharacter.
type CharacterSpec interface {
	isCharacterSpec()
}

// AvatarCharacter is a provider preset avatar
type AvatarCharacter struct {
	AvatarID string
	Style    string
}

// TalkingPhotoCharacter is a user-uploaded image registered with the provider
type TalkingPhotoCharacter struct {
	TalkingPhotoID string
}

func (AvatarCharacter) isCharacterSpec()       {}
func (TalkingPhotoCharacter) isCharacterSpec() {}

// RenderSpec is everything the avatar provider needs to start a render
type RenderSpec struct {
	Character   CharacterSpec
	Voice       VoiceConfig
	Width       int
	Height      int
	AspectRatio string
}
