// Package vad implements C12, the coarse energy-ratio voice activity
// gate that resolves the "speech_detected" open question from the
// spec's Audio wire message without introducing a fourth neural model.
package vad

import "github.com/loqa-edge/wakegate/internal/audio"

// Config tunes the gate.
type Config struct {
	Enabled    bool
	Multiplier float64 // speech if frame RMS > floor * Multiplier
}

// Gate tracks a running noise floor and classifies each frame as
// speech or silence relative to it.
type Gate struct {
	cfg   Config
	floor float64
	// alpha controls how quickly the floor adapts; a slow-moving floor
	// prevents loud speech itself from raising the floor mid-utterance.
	alpha float64
	// seeded records that the floor has been initialized from the first
	// frame; a floor of 0 (digital silence) is a valid estimate.
	seeded bool
}

// New constructs a Gate. A disabled gate always reports speech=true,
// matching the spec's fallback of a constant advisory flag.
func New(cfg Config) *Gate {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.5
	}
	return &Gate{cfg: cfg, alpha: 0.05}
}

// Decide classifies one frame and returns whether it's speech.
func (g *Gate) Decide(f audio.Frame) bool {
	if !g.cfg.Enabled {
		return true
	}
	rms := f.RMS()
	if !g.seeded {
		g.floor = rms
		g.seeded = true
	}
	speech := rms > g.floor*g.cfg.Multiplier
	if !speech {
		g.floor = g.floor*(1-g.alpha) + rms*g.alpha
	}
	return speech
}
