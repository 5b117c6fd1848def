package models

import "fmt"

// Bounds offered to users when adjusting generation parameters.
const (
	MinTemperature = 0.01
	MaxTemperature = 1.0
	MinTopP        = 0.01
	MaxTopP        = 1.0
	MinMaxLength   = 20
	MaxMaxLength   = 80
)

// DefaultParams mirrors the initial slider positions.
func DefaultParams() GenerationParams {
	return GenerationParams{Temperature: 0.1, TopP: 0.9, MaxLength: 50, RepetitionPenalty: 1}
}

// Validate reports the first parameter outside its allowed range.
func (p GenerationParams) Validate() error {
	if p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		return fmt.Errorf("temperature %.2f out of range [%.2f, %.2f]", p.Temperature, MinTemperature, MaxTemperature)
	}
	if p.TopP < MinTopP || p.TopP > MaxTopP {
		return fmt.Errorf("top_p %.2f out of range [%.2f, %.2f]", p.TopP, MinTopP, MaxTopP)
	}
	if p.MaxLength < MinMaxLength || p.MaxLength > MaxMaxLength {
		return fmt.Errorf("max_length %d out of range [%d, %d]", p.MaxLength, MinMaxLength, MaxMaxLength)
	}
	if p.RepetitionPenalty <= 0 {
		return fmt.Errorf("repetition_penalty must be positive")
	}
	return nil
}
