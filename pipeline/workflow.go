package pipeline

import (
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/knowledge"
	"github.com/remiges-tech/refinery/llm"
)

// Workflow bundles the stage agents a worker needs to run one task. A
// worker constructs exactly one workflow at startup and reuses it for every
// task it claims; the corpus inside accumulates knowledge across tasks.
type Workflow struct {
	Diagnostic   *DiagnosticAgent
	Optimization *OptimizationAgent
	Verification *VerificationAgent
	Redactor     *Redactor
	Corpus       *knowledge.Corpus
	LLM          llm.Client
}

// WorkflowConfig carries the tunables threaded down into the agents.
type WorkflowConfig struct {
	Verify    VerifyConfig
	Clusterer Clusterer
}

// NewWorkflow wires the stage agents around one model client, one embedder,
// and one worker-local corpus.
func NewWorkflow(client llm.Client, embedder knowledge.Embedder, corpus *knowledge.Corpus, cfg WorkflowConfig, logger *logharbour.Logger) *Workflow {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Workflow{
		Diagnostic:   NewDiagnosticAgent(embedder, cfg.Clusterer, logger),
		Optimization: NewOptimizationAgent(client, logger),
		Verification: NewVerificationAgent(client, corpus, cfg.Verify, logger),
		Redactor:     NewRedactor(logger),
		Corpus:       corpus,
		LLM:          client,
	}
}
