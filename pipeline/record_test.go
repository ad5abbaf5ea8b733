package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanThinkField(t *testing.T) {
	t.Run("detects think in any case", func(t *testing.T) {
		for _, key := range []string{"think", "Think", "THINK", "tHiNk"} {
			dataset := []Record{{key: "...", "question": "q"}}
			assert.True(t, ScanThinkField(dataset), "key %q", key)
		}
	})

	t.Run("scan stops after ten records", func(t *testing.T) {
		dataset := make([]Record, 11)
		for i := range dataset {
			dataset[i] = Record{"question": fmt.Sprintf("q%d", i)}
		}
		dataset[10]["think"] = "late"
		assert.False(t, ScanThinkField(dataset))

		dataset[9]["think"] = "just in time"
		assert.True(t, ScanThinkField(dataset))
	})

	t.Run("empty dataset", func(t *testing.T) {
		assert.False(t, ScanThinkField(nil))
	})

	t.Run("thinking is not think", func(t *testing.T) {
		assert.False(t, ScanThinkField([]Record{{"thinking": "x"}}))
	})
}

func TestRecordAccessors(t *testing.T) {
	t.Run("question falls back through aliases", func(t *testing.T) {
		assert.Equal(t, "q", Record{"question": "q"}.Question())
		assert.Equal(t, "i", Record{"instruction": "i"}.Question())
		assert.Equal(t, "in", Record{"input": "in"}.Question())
		assert.Equal(t, "i", Record{"question": "", "instruction": "i"}.Question())
		assert.Equal(t, "", Record{"other": "x"}.Question())
	})

	t.Run("answer falls back to output", func(t *testing.T) {
		assert.Equal(t, "a", Record{"answer": "a"}.Answer())
		assert.Equal(t, "o", Record{"output": "o"}.Answer())
	})

	t.Run("non-string answers are stringified", func(t *testing.T) {
		assert.Equal(t, "42", Record{"answer": 42}.Answer())
	})

	t.Run("reasoning recognizes all aliases", func(t *testing.T) {
		for _, key := range []string{"reasoning", "rationale", "explanation", "steps", "cot", "chain_of_thought"} {
			rec := Record{key: "because"}
			assert.True(t, rec.HasReasoning(), "key %q", key)
			assert.Equal(t, "because", rec.Reasoning(), "key %q", key)
		}
	})

	t.Run("empty reasoning does not count", func(t *testing.T) {
		assert.False(t, Record{"reasoning": ""}.HasReasoning())
		assert.False(t, Record{"reasoning": nil}.HasReasoning())
		assert.False(t, Record{}.HasReasoning())
	})
}

func TestRecordClone(t *testing.T) {
	orig := Record{"question": "q", "answer": "a"}
	cp := orig.Clone()
	cp["answer"] = "changed"
	cp[MarkerOptimized] = true

	assert.Equal(t, "a", orig["answer"])
	_, has := orig[MarkerOptimized]
	assert.False(t, has)
}

func TestSelectMode(t *testing.T) {
	assert.Equal(t, ModeAuto, SelectMode(nil))
	assert.Equal(t, ModeAuto, SelectMode(&Guidance{}))
	assert.Equal(t, ModeGuided, SelectMode(&Guidance{FocusAreas: []string{FocusReasoningQuality}}))
	assert.Equal(t, ModeGuided, SelectMode(&Guidance{ProblemIndices: []int{0}}))
	assert.Equal(t, ModeGuided, SelectMode(&Guidance{OptimizationInstructions: "tighten the reasoning"}))
}

func TestGuidanceHasFocus(t *testing.T) {
	g := &Guidance{FocusAreas: []string{FocusSemanticDistribution}}
	assert.True(t, g.HasFocus(FocusSemanticDistribution))
	assert.False(t, g.HasFocus(FocusReasoningQuality))

	var nilG *Guidance
	assert.False(t, nilG.HasFocus(FocusSemanticDistribution))
}

func TestCloneDataset(t *testing.T) {
	ds := []Record{{"question": "q1"}, {"question": "q2"}}
	cp := CloneDataset(ds)
	require.Len(t, cp, 2)
	cp[0]["question"] = "mutated"
	assert.Equal(t, "q1", ds[0]["question"])
}
