package models

import (
	"fmt"
	"time"
)

// Mode selects which pipeline a session runs.
type Mode string

const (
	ModeChat      Mode = "chat"
	ModeSummarize Mode = "summarize"
	ModeAnalyze   Mode = "analyze"
)

// Modes lists the functionalities in selector order.
var Modes = []Mode{ModeChat, ModeSummarize, ModeAnalyze}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeChat, ModeSummarize, ModeAnalyze:
		return true
	}
	return false
}

// DisplayName is the label shown in the functionality selector.
func (m Mode) DisplayName() string {
	switch m {
	case ModeChat:
		return "Chat with CSV"
	case ModeSummarize:
		return "Summarize CSV"
	case ModeAnalyze:
		return "Analyze CSV"
	}
	return string(m)
}

// GenerationSettings are the sidebar knobs passed to the chat model.
type GenerationSettings struct {
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
}

const (
	TemperatureMin     = 0.0
	TemperatureMax     = 1.0
	TemperatureDefault = 0.9
	TemperatureStep    = 0.01

	TopPMin     = 0.0
	TopPMax     = 1.0
	TopPDefault = 1.0
	TopPStep    = 0.1

	FrequencyPenaltyMin     = 0.0
	FrequencyPenaltyMax     = 2.0
	FrequencyPenaltyDefault = 0.0
	FrequencyPenaltyStep    = 0.1
)

// DefaultSettings returns the sidebar defaults for model.
func DefaultSettings(model string) GenerationSettings {
	return GenerationSettings{
		Model:            model,
		Temperature:      TemperatureDefault,
		TopP:             TopPDefault,
		FrequencyPenalty: FrequencyPenaltyDefault,
	}
}

// Validate checks the numeric ranges. The model name is checked against the
// configured list by the caller.
func (s GenerationSettings) Validate() error {
	switch {
	case s.Temperature < TemperatureMin || s.Temperature > TemperatureMax:
		return fmt.Errorf("temperature must be between %g and %g", TemperatureMin, TemperatureMax)
	case s.TopP < TopPMin || s.TopP > TopPMax:
		return fmt.Errorf("top_p must be between %g and %g", TopPMin, TopPMax)
	case s.FrequencyPenalty < FrequencyPenaltyMin || s.FrequencyPenalty > FrequencyPenaltyMax:
		return fmt.Errorf("frequency_penalty must be between %g and %g", FrequencyPenaltyMin, FrequencyPenaltyMax)
	}
	return nil
}

// Session is one use of a functionality on one uploaded file.
type Session struct {
	ID        int64              `json:"id"`
	Mode      Mode               `json:"mode"`
	Settings  GenerationSettings `json:"settings"`
	FileName  string             `json:"file_name"`
	Summary   string             `json:"summary,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}
