package rag

const (
	DefaultMaxResults = 3
	DefaultMinScore   = 0.5
)

// Config tunes one retrieval pass. Zero values fall back to the defaults;
// non-positive length limits mean unlimited.
type Config struct {
	MaxResults            int      `json:"maxResults,omitempty" yaml:"maxResults,omitempty"`
	MinScore              *float64 `json:"minScore,omitempty" yaml:"minScore,omitempty"`
	MaxDocumentLength     int      `json:"maxDocumentLength,omitempty" yaml:"maxDocumentLength,omitempty"`
	MaxTotalContentLength int      `json:"maxTotalContentLength,omitempty" yaml:"maxTotalContentLength,omitempty"`
	IncludeInPrompt       *bool    `json:"includeInPrompt,omitempty" yaml:"includeInPrompt,omitempty"`
	EnableSmartSummary    bool     `json:"enableSmartSummary,omitempty" yaml:"enableSmartSummary,omitempty"`
}

func (c Config) MaxResultsOrDefault() int {
	if c.MaxResults > 0 {
		return c.MaxResults
	}
	return DefaultMaxResults
}

func (c Config) MinScoreOrDefault() float64 {
	if c.MinScore != nil && *c.MinScore >= 0 {
		return *c.MinScore
	}
	return DefaultMinScore
}

func (c Config) IncludeInPromptOrDefault() bool {
	if c.IncludeInPrompt != nil {
		return *c.IncludeInPrompt
	}
	return true
}

func (c Config) HasDocumentLengthLimit() bool { return c.MaxDocumentLength > 0 }

func (c Config) HasTotalContentLengthLimit() bool { return c.MaxTotalContentLength > 0 }
