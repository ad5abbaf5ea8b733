package pipeline

import (
	"context"
	"errors"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/llm"
)

const (
	rewriteTemperature  = 0.7
	rewriteMaxTokens    = 800
	generateTemperature = 0.9
	generateMaxTokens   = 2000
)

// GenerationPortion is a unit of generation work: ask the model for Count
// new records shaped after one sparse cluster. The scheduler packs portions
// into fixed-size batches; a batch may span clusters.
type GenerationPortion struct {
	Cluster ClusterSummary `json:"cluster"`
	Count   int            `json:"count"`
}

// OptimizationAgent rewrites low-quality records and synthesizes records
// for sparse clusters.
type OptimizationAgent struct {
	client llm.Client
	logger *logharbour.Logger
}

func NewOptimizationAgent(client llm.Client, logger *logharbour.Logger) *OptimizationAgent {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &OptimizationAgent{client: client, logger: logger}
}

// RewriteBatch rewrites one batch of low-quality records through the model.
// Records whose call or parse fails are kept as-is without the marker; the
// batch never shrinks. Returns the records in batch order plus stats.
func (a *OptimizationAgent) RewriteBatch(ctx context.Context, batch []LowQualitySample, mode string, g *Guidance) ([]Record, map[string]any, error) {
	out := make([]Record, 0, len(batch))
	rewritten := 0

	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rec, ok := a.rewriteOne(ctx, item.Record, mode, g)
		if ok {
			rewritten++
		}
		out = append(out, rec)
	}

	stats := map[string]any{
		"total":         len(batch),
		"optimized":     rewritten,
		"kept_original": len(batch) - rewritten,
	}
	return out, stats, nil
}

func (a *OptimizationAgent) rewriteOne(ctx context.Context, rec Record, mode string, g *Guidance) (Record, bool) {
	question := rec.Question()
	answer := rec.Answer()

	var prompt string
	if mode == ModeGuided && g != nil && g.OptimizationInstructions != "" {
		prompt = guidedRewritePrompt(question, answer, g.OptimizationInstructions)
	} else {
		prompt = rewritePrompt(question, answer)
	}

	response, err := a.client.Generate(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: rewriteTemperature,
		MaxTokens:   rewriteMaxTokens,
	})
	if err != nil {
		a.logger.Warn().LogActivity("Record rewrite failed, keeping original", map[string]any{
			"error": err.Error(),
		})
		return rec, false
	}

	obj, err := llm.DecodeObject(response)
	if err != nil {
		a.logger.Warn().LogActivity("Rewrite response unparseable, keeping original", map[string]any{
			"error": err.Error(),
		})
		return rec, false
	}

	optimized := rec.Clone()
	if mode == ModeGuided {
		if q, ok := obj["question"]; ok && q != nil {
			optimized["question"] = q
		}
	}
	if r, ok := obj["reasoning"]; ok && r != nil {
		optimized["reasoning"] = r
	} else {
		optimized["reasoning"] = ""
	}
	if ans, ok := obj["answer"]; ok && ans != nil {
		optimized["answer"] = ans
	} else {
		optimized["answer"] = answer
	}
	optimized[MarkerOptimized] = true
	return optimized, true
}

// GenerateBatch synthesizes records for the given portions, one model call
// per portion. A failed or unparseable call contributes zero records; the
// pipeline moves on. Overflow beyond a portion's count is discarded.
func (a *OptimizationAgent) GenerateBatch(ctx context.Context, portions []GenerationPortion, mode string, g *Guidance) ([]Record, map[string]any, error) {
	out := []Record{}
	requested := 0

	for _, p := range portions {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if p.Count <= 0 {
			continue
		}
		requested += p.Count
		out = append(out, a.generatePortion(ctx, p, mode, g)...)
	}

	stats := map[string]any{
		"requested": requested,
		"generated": len(out),
		"portions":  len(portions),
	}
	return out, stats, nil
}

func (a *OptimizationAgent) generatePortion(ctx context.Context, p GenerationPortion, mode string, g *Guidance) []Record {
	var prompt string
	if mode == ModeGuided && g != nil && g.GenerationInstructions != "" {
		prompt = guidedGeneratePrompt(p.Cluster.SampleQuestions, p.Count, g.GenerationInstructions)
	} else {
		prompt = generatePrompt(p.Cluster.SampleQuestions, p.Count)
	}

	response, err := a.client.Generate(ctx, llm.Request{
		Prompt:      prompt,
		Temperature: generateTemperature,
		MaxTokens:   generateMaxTokens,
	})
	if err != nil {
		a.logger.Warn().LogActivity("Sample generation call failed, contributing zero", map[string]any{
			"clusterId": p.Cluster.ClusterID,
			"error":     err.Error(),
		})
		return nil
	}

	arr, err := llm.DecodeArray(response)
	if err != nil {
		var perr *llm.ParseError
		if !errors.As(err, &perr) {
			perr = &llm.ParseError{Raw: response, Err: err}
		}
		a.logger.Warn().LogActivity("Generation response unparseable, contributing zero", map[string]any{
			"clusterId": p.Cluster.ClusterID,
			"error":     perr.Error(),
		})
		return nil
	}

	if len(arr) > p.Count {
		arr = arr[:p.Count]
	}
	records := make([]Record, 0, len(arr))
	for _, obj := range arr {
		rec := Record(obj)
		rec[MarkerGenerated] = true
		records = append(records, rec)
	}
	return records
}
