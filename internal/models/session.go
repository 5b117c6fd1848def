package models

import "time"

// Session describes one conversation owned by a client.
type Session struct {
	ID        string           `json:"id"`
	Mode      string           `json:"mode"`
	Provider  string           `json:"provider"`
	Model     string           `json:"model"`
	Params    GenerationParams `json:"params"`
	Enabled   bool             `json:"enabled"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// GenerationParams are the sampling settings sent with every remote call.
type GenerationParams struct {
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	MaxLength         int     `json:"max_length"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}
