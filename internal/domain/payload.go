package domain

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed form of a job's opaque payload column. Each job type
// has exactly one payload shape; workers decode and validate it at every
// stage boundary so malformed intermediate state fails loudly instead of
// propagating.
type Payload interface {
	Validate() error
}

// TileSpec addresses one tile of a tiled upscale.
type TileSpec struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RegionSpec addresses one mask region of a batch inpaint.
type RegionSpec struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Prompt string `json:"prompt,omitempty"`
}

// ChildRollup carries a fan-out parent's aggregate view of its children. It
// is always recomputed from a fresh read of all children, never patched
// incrementally.
type ChildRollup struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Running  int `json:"running"`
	Complete int `json:"complete"`
	Failed   int `json:"failed"`
}

// AllTerminal reports whether every child has reached complete or failed.
func (r ChildRollup) AllTerminal() bool {
	return r.Complete+r.Failed == r.Total
}

// ModelGenerationPayload drives the model_generation graph.
type ModelGenerationPayload struct {
	Prompt       string `json:"prompt"`
	ReferenceURL string `json:"reference_url,omitempty"`
	AspectRatio  string `json:"aspect_ratio,omitempty"`
	VendorTaskID string `json:"vendor_task_id,omitempty"`
	ArtifactKey  string `json:"artifact_key,omitempty"`
}

func (p *ModelGenerationPayload) Validate() error {
	if p.Prompt == "" {
		return Invalid("prompt", "required")
	}
	return nil
}

// VTOPayload drives the vto_pipeline graph. Prepared* keys are written by the
// preparing stage, RenderKey by the poller, ArtifactKey by compositing.
type VTOPayload struct {
	PersonURL          string `json:"person_url"`
	GarmentURL         string `json:"garment_url"`
	PreparedPersonKey  string `json:"prepared_person_key,omitempty"`
	PreparedGarmentKey string `json:"prepared_garment_key,omitempty"`
	VendorTaskID       string `json:"vendor_task_id,omitempty"`
	RenderKey          string `json:"render_key,omitempty"`
	ArtifactKey        string `json:"artifact_key,omitempty"`
}

func (p *VTOPayload) Validate() error {
	if p.PersonURL == "" {
		return Invalid("person_url", "required")
	}
	if p.GarmentURL == "" {
		return Invalid("garment_url", "required")
	}
	return nil
}

// TiledUpscalePayload drives the tiled_upscale parent.
type TiledUpscalePayload struct {
	SourceURL string      `json:"source_url"`
	Scale     int         `json:"scale"`
	Tiles     []TileSpec  `json:"tiles"`
	Rollup    ChildRollup `json:"rollup"`
}

func (p *TiledUpscalePayload) Validate() error {
	if p.SourceURL == "" {
		return Invalid("source_url", "required")
	}
	if p.Scale < 2 || p.Scale > 8 {
		return Invalid("scale", "must be between 2 and 8")
	}
	return nil
}

// UpscaleTilePayload drives one upscale_tile child.
type UpscaleTilePayload struct {
	SourceURL    string   `json:"source_url"`
	Tile         TileSpec `json:"tile"`
	Scale        int      `json:"scale"`
	VendorTaskID string   `json:"vendor_task_id,omitempty"`
	ArtifactKey  string   `json:"artifact_key,omitempty"`
}

func (p *UpscaleTilePayload) Validate() error {
	if p.SourceURL == "" {
		return Invalid("source_url", "required")
	}
	if p.Tile.Width <= 0 || p.Tile.Height <= 0 {
		return Invalid("tile", "empty tile")
	}
	return nil
}

// BatchInpaintPayload drives the batch_inpaint parent.
type BatchInpaintPayload struct {
	SourceURL string       `json:"source_url"`
	Prompt    string       `json:"prompt"`
	Regions   []RegionSpec `json:"regions"`
	Rollup    ChildRollup  `json:"rollup"`
}

func (p *BatchInpaintPayload) Validate() error {
	if p.SourceURL == "" {
		return Invalid("source_url", "required")
	}
	if p.Prompt == "" {
		return Invalid("prompt", "required")
	}
	return nil
}

// InpaintRegionPayload drives one inpaint_region child.
type InpaintRegionPayload struct {
	SourceURL    string     `json:"source_url"`
	Region       RegionSpec `json:"region"`
	Prompt       string     `json:"prompt"`
	VendorTaskID string     `json:"vendor_task_id,omitempty"`
	ArtifactKey  string     `json:"artifact_key,omitempty"`
}

func (p *InpaintRegionPayload) Validate() error {
	if p.SourceURL == "" {
		return Invalid("source_url", "required")
	}
	if p.Region.Width <= 0 || p.Region.Height <= 0 {
		return Invalid("region", "empty region")
	}
	return nil
}

// EnhancementPayload drives the single-stage enhancement graph.
type EnhancementPayload struct {
	SourceURL   string `json:"source_url"`
	Preset      string `json:"preset"`
	ArtifactKey string `json:"artifact_key,omitempty"`
}

func (p *EnhancementPayload) Validate() error {
	if p.SourceURL == "" {
		return Invalid("source_url", "required")
	}
	if p.Preset == "" {
		return Invalid("preset", "required")
	}
	return nil
}

// DecodePayload unmarshals raw into the payload type for t and validates it.
func DecodePayload(t JobType, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case JobTypeModelGeneration:
		p = &ModelGenerationPayload{}
	case JobTypeVTOPipeline:
		p = &VTOPayload{}
	case JobTypeTiledUpscale:
		p = &TiledUpscalePayload{}
	case JobTypeUpscaleTile:
		p = &UpscaleTilePayload{}
	case JobTypeBatchInpaint:
		p = &BatchInpaintPayload{}
	case JobTypeInpaintRegion:
		p = &InpaintRegionPayload{}
	case JobTypeEnhancement:
		p = &EnhancementPayload{}
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload marshals a payload back to its stored form.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// MustEncode marshals p and panics on failure. Payload structs contain only
// marshalable fields, so a failure here is a programming error.
func MustEncode(p Payload) json.RawMessage {
	b, err := EncodePayload(p)
	if err != nil {
		panic(err)
	}
	return b
}
