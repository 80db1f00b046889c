package store

// PlatformType identifies a concrete platform variant.
type PlatformType string

const (
	PlatformOpenAI   PlatformType = "openai"
	PlatformDify     PlatformType = "dify"
	PlatformKeyword  PlatformType = "keyword"
	PlatformZhiweijz PlatformType = "zhiweijz"

	// PlatformKeywordAlias is a deprecated spelling accepted on read only.
	PlatformKeywordAlias PlatformType = "keyword_match"
)

// Normalize maps deprecated aliases onto the canonical type tag.
func (t PlatformType) Normalize() PlatformType {
	if t == PlatformKeywordAlias {
		return PlatformKeyword
	}
	return t
}

// IsValid checks if the platform type is one of the supported variants.
func (t PlatformType) IsValid() bool {
	switch t.Normalize() {
	case PlatformOpenAI, PlatformDify, PlatformKeyword, PlatformZhiweijz:
		return true
	default:
		return false
	}
}

// Platform is a configured conversational/keyword/bookkeeping backend.
// Config is variant-typed and validated at construction by the platform
// registry, not here.
type Platform struct {
	ID        string
	Name      string
	Type      PlatformType
	Config    map[string]any
	Enabled   bool
	CreatedTs int64
	UpdatedTs int64
}

type FindPlatform struct {
	ID      *string
	Type    *PlatformType
	Enabled *bool
}

type UpdatePlatform struct {
	ID      string
	Name    *string
	Config  map[string]any
	Enabled *bool
}

type DeletePlatform struct {
	ID string
}
