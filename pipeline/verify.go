package pipeline

import (
	"context"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/knowledge"
	"github.com/remiges-tech/refinery/llm"
)

const (
	verifyTemperature = 0.3
	verifyMaxTokens   = 1000

	// DefaultConfidenceThreshold is the minimum confidence for a pass
	// verdict when the caller does not configure one.
	DefaultConfidenceThreshold = 0.8
)

// VerifyConfig tunes retrieval-augmented verification.
type VerifyConfig struct {
	TopK                 int
	ConfidenceThreshold  float64
	EnableSelfCorrection bool
}

// VerificationAgent checks each record against the worker's knowledge
// corpus and an external-model consistency judgment.
type VerificationAgent struct {
	client llm.Client
	corpus *knowledge.Corpus
	logger *logharbour.Logger
	cfg    VerifyConfig
}

func NewVerificationAgent(client llm.Client, corpus *knowledge.Corpus, cfg VerifyConfig, logger *logharbour.Logger) *VerificationAgent {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = knowledge.DefaultTopK
	}
	if cfg.ConfidenceThreshold == 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	return &VerificationAgent{client: client, corpus: corpus, cfg: cfg, logger: logger}
}

// VerifyBatch judges one batch of records. Passed records continue
// unchanged, corrected records continue with the model's correction
// applied, rejected records are dropped and only counted. An empty corpus
// passes everything unchanged.
func (a *VerificationAgent) VerifyBatch(ctx context.Context, batch []Record) ([]Record, map[string]any, error) {
	var passed, corrected []Record
	rejected := 0

	corpusEmpty := a.corpus == nil || a.corpus.Count() == 0

	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if corpusEmpty {
			passed = append(passed, rec)
			continue
		}
		switch verdict, fixed := a.verifyOne(ctx, rec); verdict {
		case verdictPassed:
			passed = append(passed, rec)
		case verdictCorrected:
			corrected = append(corrected, fixed)
		default:
			rejected++
		}
	}

	verified := make([]Record, 0, len(passed)+len(corrected))
	verified = append(verified, passed...)
	verified = append(verified, corrected...)

	total := len(batch)
	stats := map[string]any{
		"total":     total,
		"passed":    len(passed),
		"corrected": len(corrected),
		"rejected":  rejected,
	}
	if total > 0 {
		stats["pass_rate"] = float64(len(passed)) / float64(total)
		stats["correction_rate"] = float64(len(corrected)) / float64(total)
		stats["rejection_rate"] = float64(rejected) / float64(total)
	}
	return verified, stats, nil
}

type verdict int

const (
	verdictPassed verdict = iota
	verdictCorrected
	verdictRejected
)

func (a *VerificationAgent) verifyOne(ctx context.Context, rec Record) (verdict, Record) {
	question := rec.Question()
	answer := rec.Answer()
	reasoning := rec.Reasoning()

	snippets, err := a.corpus.Search(ctx, question, a.cfg.TopK)
	if err != nil {
		a.logger.Warn().LogActivity("Evidence retrieval failed, passing record", map[string]any{
			"error": err.Error(),
		})
		return verdictPassed, nil
	}
	if len(snippets) == 0 {
		// nothing to check against
		return verdictPassed, nil
	}

	evidence := make([]string, len(snippets))
	for i, s := range snippets {
		evidence[i] = s.Content
	}

	response, err := a.client.Generate(ctx, llm.Request{
		Prompt:      verifyPrompt(question, reasoning, answer, evidence),
		Temperature: verifyTemperature,
		MaxTokens:   verifyMaxTokens,
	})
	if err != nil {
		a.logger.Warn().LogActivity("Verification call failed, rejecting record", map[string]any{
			"error": err.Error(),
		})
		return verdictRejected, nil
	}

	obj, err := llm.DecodeObject(response)
	if err != nil {
		a.logger.Warn().LogActivity("Verification verdict unparseable, passing record", map[string]any{
			"error": err.Error(),
		})
		return verdictPassed, nil
	}

	isCorrect, _ := obj["is_correct"].(bool)
	confidence, _ := obj["confidence"].(float64)
	if isCorrect && confidence >= a.cfg.ConfidenceThreshold {
		return verdictPassed, nil
	}

	correctedAnswer, _ := obj["corrected_answer"].(string)
	if a.cfg.EnableSelfCorrection && correctedAnswer != "" {
		fixed := rec.Clone()
		fixed["answer"] = correctedAnswer
		if cr, ok := obj["corrected_reasoning"].(string); ok && cr != "" {
			fixed["reasoning"] = cr
		} else {
			fixed["reasoning"] = reasoning
		}
		fixed[MarkerCorrected] = true
		return verdictCorrected, fixed
	}

	return verdictRejected, nil
}
