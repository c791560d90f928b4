package backend

import (
	"encoding/json"
	"time"
)

// Timeouts are the per call kind budgets. Stream covers the whole life of a streamed answer.
type Timeouts struct {
	Health   time.Duration `yaml:"health"`
	Process  time.Duration `yaml:"process"`
	Question time.Duration `yaml:"question"`
	Stream   time.Duration `yaml:"stream"`
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Health:   5 * time.Second,
		Process:  300 * time.Second,
		Question: 60 * time.Second,
		Stream:   120 * time.Second,
	}
}

// withDefaults fills zero budgets from DefaultTimeouts.
func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Health <= 0 {
		t.Health = d.Health
	}
	if t.Process <= 0 {
		t.Process = d.Process
	}
	if t.Question <= 0 {
		t.Question = d.Question
	}
	if t.Stream <= 0 {
		t.Stream = d.Stream
	}
	return t
}

type HealthStatus struct {
	Status     string          `json:"status"`
	Timestamp  float64         `json:"timestamp,omitempty"`
	Components map[string]bool `json:"components,omitempty"`
	LLMModel   string          `json:"llm_model,omitempty"`
}

type ProcessRequest struct {
	VideoID        string `json:"video_id"`
	Language       string `json:"language"`
	ForceReprocess bool   `json:"force_reprocess"`
}

type ProcessResult struct {
	VideoID          string  `json:"video_id"`
	TotalChunks      int     `json:"total_chunks"`
	AvgChunkLength   float64 `json:"avg_chunk_length,omitempty"`
	TotalTextLength  int     `json:"total_text_length,omitempty"`
	ProcessingStatus string  `json:"processing_status,omitempty"`
}

type QuestionRequest struct {
	Question       string `json:"question"`
	VideoID        string `json:"video_id"`
	IncludeSources bool   `json:"include_sources"`
}

// Source is one transcript excerpt cited by an answer.
type Source struct {
	SourceID  int     `json:"source_id"`
	Text      string  `json:"text"`
	Timestamp string  `json:"timestamp,omitempty"`
	ChunkType string  `json:"chunk_type,omitempty"`
	Score     float64 `json:"score"`
}

type Answer struct {
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources"`
	Confidence     float64  `json:"confidence,omitempty"`
	VideoID        string   `json:"video_id,omitempty"`
	ProcessingTime float64  `json:"processing_time,omitempty"`
}

type Summary struct {
	Summary   string   `json:"summary"`
	VideoID   string   `json:"video_id"`
	KeyPoints []string `json:"key_points"`
	ModelType string   `json:"model_type,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type SearchHit struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type SearchResult struct {
	Query      string      `json:"query"`
	VideoID    string      `json:"video_id"`
	Results    []SearchHit `json:"results"`
	TotalFound int         `json:"total_found"`
}

type deleteResult struct {
	Message string `json:"message"`
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}
