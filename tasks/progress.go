package tasks

// DefaultBatchSize is the records-per-batch cutoff when none is configured.
const DefaultBatchSize = 50

// stageSpan places a phase on the 0..100 progress line. The offsets are
// the prefix sums of the stage weights: diagnosis 3, optimization 47,
// generation 25, verification 20, cleaning 5.
type stageSpan struct {
	offset float64
	weight float64
}

var stageSpans = map[Phase]stageSpan{
	PhaseDiagnostic:   {offset: 0, weight: 3},
	PhaseOptimization: {offset: 3, weight: 47},
	PhaseGeneration:   {offset: 50, weight: 25},
	PhaseVerification: {offset: 75, weight: 20},
	PhaseCleaning:     {offset: 95, weight: 5},
}

// StageProgress returns the overall progress after k of n batches of the
// given phase have committed. A stage with zero batches reports its end
// point, so skipped stages never hold progress back.
func StageProgress(phase Phase, k, n int) float64 {
	span, ok := stageSpans[phase]
	if !ok {
		return 0
	}
	if n <= 0 {
		return span.offset + span.weight
	}
	if k > n {
		k = n
	}
	if k < 0 {
		k = 0
	}
	return span.offset + span.weight*float64(k)/float64(n)
}

// NumBatches returns how many batches of batchSize cover n records.
func NumBatches(n, batchSize int) int {
	if n <= 0 {
		return 0
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return (n + batchSize - 1) / batchSize
}

// BatchBounds returns the half-open record range of batch i.
func BatchBounds(i, batchSize, total int) (start, end int) {
	start = i * batchSize
	end = start + batchSize
	if end > total {
		end = total
	}
	if start > total {
		start = total
	}
	return start, end
}

// Plan fixes the batch counts of the model-facing stages for one task run.
// The global batch cursor walks: batch 0 is the diagnostic commit, then the
// optimization, generation, and verification batches in stage order, and
// the final cleaning commit closes the run. The verification count is an
// estimate until generation finishes; the scheduler re-plans it once the
// verification input is known.
type Plan struct {
	OptimizeBatches int
	GenerateBatches int
	VerifyBatches   int
}

// TotalBatches counts every commit of the run: the diagnostic commit, the
// stage batches, and the final cleaning commit.
func (p Plan) TotalBatches() int {
	return 2 + p.OptimizeBatches + p.GenerateBatches + p.VerifyBatches
}

// Global batch indexes for each stage position.

func (p Plan) OptimizeIndex(i int) int { return 1 + i }

func (p Plan) GenerateIndex(i int) int { return 1 + p.OptimizeBatches + i }

func (p Plan) VerifyIndex(i int) int {
	return 1 + p.OptimizeBatches + p.GenerateBatches + i
}

func (p Plan) CleaningIndex() int {
	return 1 + p.OptimizeBatches + p.GenerateBatches + p.VerifyBatches
}
