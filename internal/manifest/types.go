package manifest

import "encoding/json"

// Manifest is the versioned catalogue document as published by the asset host.
type Manifest struct {
	Version     int               `json:"version"`
	LastUpdated string            `json:"lastUpdated"`
	Cores       []CoreRequirement `json:"cores"`
	Voices      []VoiceSpec       `json:"voices"`
}

// CoreRequirement describes a downloadable shared model blob.
type CoreRequirement struct {
	ID          string `json:"id"`
	EngineType  string `json:"engineType"`
	DisplayName string `json:"displayName"`
	URL         string `json:"url"`
	SizeBytes   int64  `json:"sizeBytes"`
	SHA256      string `json:"sha256,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Quality     string `json:"quality,omitempty"`
	Required    bool   `json:"required"`
}

// UnmarshalJSON defaults Required to true when the field is absent.
func (c *CoreRequirement) UnmarshalJSON(data []byte) error {
	type rawCore CoreRequirement
	raw := rawCore{Required: true}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = CoreRequirement(raw)
	return nil
}

// VoiceSpec describes a user-selectable voice and the cores it needs.
type VoiceSpec struct {
	ID               string   `json:"id"`
	EngineID         string   `json:"engineId"`
	DisplayName      string   `json:"displayName"`
	Language         string   `json:"language"`
	CoreRequirements []string `json:"coreRequirements"`
	Gender           string   `json:"gender,omitempty"`
	SpeakerID        *int     `json:"speakerId,omitempty"`
	ModelKey         string   `json:"modelKey,omitempty"`
	ModelURL         string   `json:"modelUrl,omitempty"`
	ModelSize        int64    `json:"modelSize,omitempty"`
	ModelSHA256      string   `json:"modelSha256,omitempty"`
	PreviewURL       string   `json:"previewUrl,omitempty"`
}

// AssetSpec is one installable unit handed to the installer.
type AssetSpec struct {
	Key          string
	Label        string
	URL          string
	TargetPath   string
	ExpectedSize int64
	SHA256       string
	IsCore       bool
	Engine       string
}
