// Package pipeline implements C2 through C5: the staged mel
// filterbank, embedding window, keyword classifier(s), and debouncer
// that turn raw 80ms audio frames into debounced DetectionEvents.
package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/loqa-edge/wakegate/internal/audio"
	"github.com/loqa-edge/wakegate/internal/wakeword/model"
)

const (
	melBins        = 32
	melFramesPerIn = 5  // stage-1 output per audio frame
	embedWindow    = 76 // mel frames consumed per embedding
	embedHop       = 8  // mel frames dropped per advance
	embedDim       = 96
	classifierLen  = 16 // embeddings consumed per classification
)

// DetectionEvent mirrors the wire-level WakewordDetected payload at
// the domain level, before it's translated into a consumer message.
type DetectionEvent struct {
	ModelName  string
	Confidence float32
	Timestamp  time.Time
}

// KeywordModel pairs a loaded classifier with its own name and
// threshold, since multiple wake words can be loaded simultaneously.
type KeywordModel struct {
	Name      string
	Model     model.Model
	Threshold float32
}

// Config tunes debouncing. Per-model thresholds live on KeywordModel;
// a KeywordModel whose Threshold is <= 0 is compared against 0.5.
type Config struct {
	DebounceInterval time.Duration
}

// Pipeline runs the full mel -> embedding -> classifier -> debounce
// chain for one audio stream. Not safe for concurrent use; the
// capture thread drives it with one frame at a time.
type Pipeline struct {
	cfg Config

	melModel  model.Model
	embedding model.Model
	keywords  []KeywordModel

	melRing   []float32 // flattened melBins-wide rows, oldest first
	melRows   int
	embedRing []float32 // flattened embedDim-wide rows, oldest first
	embedRows int

	lastEventAt time.Time
	hasLast     bool

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time

	scorer Scorer

	embeddingsTotal      atomic.Int64
	classificationsTotal atomic.Int64
}

// EmbeddingsProduced reports the cumulative count of stage-2 embeddings
// produced, exposed for the runtime's telemetry gauge.
func (p *Pipeline) EmbeddingsProduced() int64 { return p.embeddingsTotal.Load() }

// ClassificationsRun reports the cumulative count of stage-3 classifier
// passes, exposed for the runtime's telemetry gauge.
func (p *Pipeline) ClassificationsRun() int64 { return p.classificationsTotal.Load() }

// Scorer is C14's optional post-processing hook: given the raw
// per-model confidences (in keyword-model order), return a reshaped
// set of the same length. A nil Scorer (the default) is a passthrough.
type Scorer interface {
	Score(confidences []float32) ([]float32, error)
}

// New constructs a Pipeline. melModel and embedding are the stage-1
// and stage-2 models; keywords holds one or more stage-3 classifiers.
func New(cfg Config, melModel, embedding model.Model, keywords []KeywordModel) *Pipeline {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 1000 * time.Millisecond
	}
	return &Pipeline{
		cfg:       cfg,
		melModel:  melModel,
		embedding: embedding,
		keywords:  keywords,
		now:       time.Now,
	}
}

// Feed pushes one 80ms frame through the pipeline. It returns a
// DetectionEvent and true if the debouncer decided to emit one.
func (p *Pipeline) Feed(frame audio.Frame) (DetectionEvent, bool) {
	input := frame.ToFloat32(nil)
	mel, err := p.melModel.Invoke(input)
	if err != nil || len(mel) != melFramesPerIn*melBins {
		return DetectionEvent{}, false
	}
	p.appendMel(mel)

	emitted := false
	var ev DetectionEvent
	for p.melRows >= embedWindow {
		window := p.melRing[:embedWindow*melBins]
		emb, err := p.embedding.Invoke(window)
		p.melRing = p.melRing[embedHop*melBins:]
		p.melRows -= embedHop
		if err != nil || len(emb) != embedDim {
			continue
		}
		p.appendEmbedding(emb)

		if p.embedRows < classifierLen {
			continue
		}
		if e, ok := p.classify(); ok {
			ev, emitted = e, true
		}
	}
	return ev, emitted
}

func (p *Pipeline) appendMel(rows []float32) {
	p.melRing = append(p.melRing, rows...)
	p.melRows += melFramesPerIn
}

func (p *Pipeline) appendEmbedding(vec []float32) {
	p.embeddingsTotal.Add(1)
	p.embedRing = append(p.embedRing, vec...)
	p.embedRows++
	if p.embedRows > classifierLen {
		drop := p.embedRows - classifierLen
		p.embedRing = p.embedRing[drop*embedDim:]
		p.embedRows = classifierLen
	}
}

// SetScorer attaches the optional C14 plugin hook. Nil disables it.
func (p *Pipeline) SetScorer(s Scorer) { p.scorer = s }

// classify runs every loaded keyword model over the current
// classifier window and applies the tie-break + debounce rule.
func (p *Pipeline) classify() (DetectionEvent, bool) {
	p.classificationsTotal.Add(1)
	window := p.embedRing[len(p.embedRing)-classifierLen*embedDim:]

	confidences := make([]float32, len(p.keywords))
	ran := make([]bool, len(p.keywords))
	for i, km := range p.keywords {
		out, err := km.Model.Invoke(window)
		if err != nil || len(out) == 0 {
			continue
		}
		confidences[i] = out[0]
		ran[i] = true
	}

	if p.scorer != nil {
		if reshaped, err := p.scorer.Score(confidences); err == nil && len(reshaped) == len(confidences) {
			confidences = reshaped
		}
	}

	var best KeywordModel
	var bestConfidence float32 = -1
	found := false
	for i, km := range p.keywords {
		if !ran[i] {
			continue
		}
		conf := confidences[i]
		threshold := km.Threshold
		if threshold <= 0 {
			threshold = 0.5
		}
		if conf < threshold {
			continue
		}
		if !found || conf > bestConfidence {
			best, bestConfidence, found = km, conf, true
		}
	}
	if !found {
		return DetectionEvent{}, false
	}

	now := p.now()
	if p.hasLast && now.Sub(p.lastEventAt) < p.cfg.DebounceInterval {
		return DetectionEvent{}, false
	}
	p.lastEventAt = now
	p.hasLast = true
	return DetectionEvent{ModelName: best.Name, Confidence: bestConfidence, Timestamp: now}, true
}
