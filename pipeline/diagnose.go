package pipeline

import (
	"context"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/refinery/knowledge"
)

// Issue labels attached to low-quality records.
const (
	IssueMissingCOT      = "missing_cot"
	IssueShortAnswer     = "short_answer"
	IssueGuidedSelection = "guided_selection"
)

const (
	// sparseClusterThreshold marks clusters below this size as sparse.
	sparseClusterThreshold = 20
	// minClusterSize is the noise cutoff; smaller groupings are ignored.
	minClusterSize = 3
	// minSemanticDataset is the smallest dataset worth clustering.
	minSemanticDataset = 10
	// shortAnswerChars is the low-quality answer length cutoff.
	shortAnswerChars = 50
	// maxSampleQuestions bounds the representative questions per cluster.
	maxSampleQuestions = 3
)

// ClusterSummary describes one sparse cluster found during diagnosis.
type ClusterSummary struct {
	ClusterID         int      `json:"cluster_id"`
	Size              int      `json:"size"`
	Indices           []int    `json:"indices"`
	SampleQuestions   []string `json:"sample_questions"`
	Characteristics   string   `json:"characteristics"`
	SamplesToGenerate int      `json:"samples_to_generate,omitempty"`
}

// GenerationTarget returns how many records to synthesize for the cluster:
// the explicit target when present, otherwise max(10, 50 - size).
func (c ClusterSummary) GenerationTarget() int {
	if c.SamplesToGenerate > 0 {
		return c.SamplesToGenerate
	}
	target := 50 - c.Size
	if target < 10 {
		target = 10
	}
	return target
}

// LowQualitySample references one record flagged for rewriting.
type LowQualitySample struct {
	Index  int    `json:"index"`
	Record Record `json:"record"`
	Issue  string `json:"issue"`
}

// DiagnosticReport is the output of the diagnosis stage. It is committed to
// the task store as the first batch result and drives the later stages.
type DiagnosticReport struct {
	TotalSamples      int                `json:"total_samples"`
	HasThinkField     bool               `json:"has_think_field"`
	AnalysisType      string             `json:"analysis_type"`
	FocusAreas        []string           `json:"focus_areas,omitempty"`
	SparseClusters    []ClusterSummary   `json:"sparse_clusters"`
	LowQualitySamples []LowQualitySample `json:"low_quality_samples"`
}

// LowQualityIndexSet returns the flagged record indices as a set, for
// partitioning the dataset in the optimization stage.
func (r *DiagnosticReport) LowQualityIndexSet() map[int]struct{} {
	set := make(map[int]struct{}, len(r.LowQualitySamples))
	for _, lq := range r.LowQualitySamples {
		set[lq.Index] = struct{}{}
	}
	return set
}

// GenerationTargetTotal sums the per-cluster generation targets.
func (r *DiagnosticReport) GenerationTargetTotal() int {
	total := 0
	for _, c := range r.SparseClusters {
		total += c.GenerationTarget()
	}
	return total
}

// Clusterer groups embedding vectors into clusters of record indices.
// Groups below the noise cutoff are dropped by the implementation.
type Clusterer interface {
	Cluster(vectors [][]float32) [][]int
}

// CosineClusterer is a greedy centroid clusterer: each vector joins the
// most similar existing cluster when the cosine similarity clears the
// threshold, otherwise it starts a new cluster. Clusters keep the order of
// their first member. Groups smaller than MinClusterSize are treated as
// noise and dropped.
type CosineClusterer struct {
	Threshold      float32
	MinClusterSize int
}

// NewCosineClusterer returns a clusterer with the default threshold.
func NewCosineClusterer() *CosineClusterer {
	return &CosineClusterer{Threshold: 0.75, MinClusterSize: minClusterSize}
}

func (c *CosineClusterer) Cluster(vectors [][]float32) [][]int {
	type cluster struct {
		members  []int
		centroid []float64
	}
	var clusters []*cluster

	for i, vec := range vectors {
		if len(vec) == 0 {
			continue
		}
		best := -1
		var bestSim float32
		for j, cl := range clusters {
			sim := cosine(vec, cl.centroid)
			if sim >= c.Threshold && (best == -1 || sim > bestSim) {
				best, bestSim = j, sim
			}
		}
		if best == -1 {
			centroid := make([]float64, len(vec))
			for k, v := range vec {
				centroid[k] = float64(v)
			}
			clusters = append(clusters, &cluster{members: []int{i}, centroid: centroid})
			continue
		}
		cl := clusters[best]
		n := float64(len(cl.members))
		for k := range cl.centroid {
			if k < len(vec) {
				cl.centroid[k] = (cl.centroid[k]*n + float64(vec[k])) / (n + 1)
			}
		}
		cl.members = append(cl.members, i)
	}

	minSize := c.MinClusterSize
	if minSize <= 0 {
		minSize = minClusterSize
	}
	groups := make([][]int, 0, len(clusters))
	for _, cl := range clusters {
		if len(cl.members) >= minSize {
			groups = append(groups, cl.members)
		}
	}
	return groups
}

func cosine(a []float32, b []float64) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		av, bv := float64(a[i]), b[i]
		dot += av * bv
		na += av * av
		nb += bv * bv
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// DiagnosticAgent runs the diagnosis stage: the think-field scan, semantic
// distribution clustering, and the reasoning-quality scan.
type DiagnosticAgent struct {
	embedder  knowledge.Embedder
	clusterer Clusterer
	logger    *logharbour.Logger
}

// NewDiagnosticAgent builds the agent. A nil clusterer selects the default
// greedy cosine clusterer.
func NewDiagnosticAgent(embedder knowledge.Embedder, clusterer Clusterer, logger *logharbour.Logger) *DiagnosticAgent {
	if logger == nil {
		panic("logger cannot be nil")
	}
	if clusterer == nil {
		clusterer = NewCosineClusterer()
	}
	return &DiagnosticAgent{embedder: embedder, clusterer: clusterer, logger: logger}
}

// Diagnose analyzes the full dataset and always returns a well-formed
// report. Embedding or clustering failures degrade to an empty semantic
// section; they never abort the task.
func (a *DiagnosticAgent) Diagnose(ctx context.Context, dataset []Record, mode string, g *Guidance) *DiagnosticReport {
	report := &DiagnosticReport{
		TotalSamples:      len(dataset),
		HasThinkField:     ScanThinkField(dataset),
		AnalysisType:      mode,
		SparseClusters:    []ClusterSummary{},
		LowQualitySamples: []LowQualitySample{},
	}
	if g != nil {
		report.FocusAreas = g.FocusAreas
	}

	if mode == ModeAuto || g.HasFocus(FocusSemanticDistribution) {
		report.SparseClusters = a.semanticDistribution(ctx, dataset)
	}

	flagged := map[int]struct{}{}
	if mode == ModeAuto || g.HasFocus(FocusReasoningQuality) {
		if report.HasThinkField {
			report.LowQualitySamples = a.reasoningQuality(dataset)
			for _, lq := range report.LowQualitySamples {
				flagged[lq.Index] = struct{}{}
			}
		} else {
			a.logger.Info().LogActivity("No think field detected, skipping reasoning quality analysis", map[string]any{
				"totalSamples": len(dataset),
			})
		}
	}

	if g != nil {
		for _, idx := range g.ProblemIndices {
			if idx < 0 || idx >= len(dataset) {
				continue
			}
			if _, dup := flagged[idx]; dup {
				continue
			}
			flagged[idx] = struct{}{}
			report.LowQualitySamples = append(report.LowQualitySamples, LowQualitySample{
				Index:  idx,
				Record: dataset[idx],
				Issue:  IssueGuidedSelection,
			})
		}
	}

	a.logger.Info().LogActivity("Diagnosis complete", map[string]any{
		"totalSamples":   report.TotalSamples,
		"hasThinkField":  report.HasThinkField,
		"sparseClusters": len(report.SparseClusters),
		"lowQuality":     len(report.LowQualitySamples),
	})
	return report
}

// semanticDistribution embeds every record's question text, clusters the
// vectors, and reports the sparse clusters.
func (a *DiagnosticAgent) semanticDistribution(ctx context.Context, dataset []Record) []ClusterSummary {
	if len(dataset) < minSemanticDataset {
		a.logger.Debug0().LogActivity("Dataset too small for semantic distribution analysis", map[string]any{
			"size": len(dataset),
		})
		return []ClusterSummary{}
	}
	if a.embedder == nil || !a.embedder.IsAvailable() {
		a.logger.Warn().LogActivity("Embedder unavailable, skipping semantic distribution analysis", nil)
		return []ClusterSummary{}
	}

	texts := make([]string, len(dataset))
	for i, rec := range dataset {
		text := rec.Question()
		if text == "" {
			text = fmt.Sprint(map[string]any(rec))
		}
		texts[i] = text
	}

	vectors, err := a.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		a.logger.Warn().LogActivity("Embedding failed, skipping semantic distribution analysis", map[string]any{
			"error": err.Error(),
		})
		return []ClusterSummary{}
	}

	groups := a.clusterer.Cluster(vectors)
	sparse := []ClusterSummary{}
	for id, members := range groups {
		if len(members) >= sparseClusterThreshold {
			continue
		}
		questions := make([]string, 0, maxSampleQuestions)
		for _, idx := range members {
			if len(questions) == maxSampleQuestions {
				break
			}
			questions = append(questions, dataset[idx].FirstString("question", "instruction"))
		}
		sparse = append(sparse, ClusterSummary{
			ClusterID:       id,
			Size:            len(members),
			Indices:         members,
			SampleQuestions: questions,
			Characteristics: fmt.Sprintf("sparse cluster %d", id),
		})
	}

	a.logger.Info().LogActivity("Semantic distribution analysis complete", map[string]any{
		"clusters":       len(groups),
		"sparseClusters": len(sparse),
	})
	return sparse
}

// reasoningQuality flags records lacking a reasoning field or carrying an
// answer shorter than the cutoff. Missing reasoning wins when both apply.
func (a *DiagnosticAgent) reasoningQuality(dataset []Record) []LowQualitySample {
	low := []LowQualitySample{}
	for idx, rec := range dataset {
		hasReasoning := rec.HasReasoning()
		tooShort := utf8.RuneCountInString(rec.Answer()) < shortAnswerChars
		if hasReasoning && !tooShort {
			continue
		}
		issue := IssueShortAnswer
		if !hasReasoning {
			issue = IssueMissingCOT
		}
		low = append(low, LowQualitySample{Index: idx, Record: rec, Issue: issue})
	}
	return low
}
