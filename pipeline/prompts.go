package pipeline

import (
	"fmt"
	"strings"
)

// Prompt builders for the model-facing stages. Every prompt demands bare
// JSON output; the decoder still tolerates fences and minor damage.

func rewritePrompt(question, answer string) string {
	return fmt.Sprintf(`Add a detailed chain-of-thought reasoning process to the following question/answer pair.

Question: %s
Answer: %s

Produce a complete response with detailed reasoning steps, in this format:
{
    "question": "the original question",
    "reasoning": "detailed reasoning process with multiple steps",
    "answer": "the final answer"
}

Return only JSON, no other content.`, question, answer)
}

func guidedRewritePrompt(question, answer, instructions string) string {
	return fmt.Sprintf(`Improve this record according to the following optimization guidance:

Guidance: %s

Original record:
Question: %s
Answer: %s

Produce the improved record in this format:
{
    "question": "the improved question",
    "reasoning": "detailed reasoning process",
    "answer": "the improved answer"
}

Return only JSON, no other content.`, instructions, question, answer)
}

func generatePrompt(seedQuestions []string, count int) string {
	return fmt.Sprintf(`Based on the following seed questions, generate %d similar but distinct question/answer pairs.

Seed questions:
%s

Requirements:
1. Keep a similar topic and style.
2. Include a detailed reasoning process in every pair.
3. Ensure diversity, no duplicates.

Produce a JSON array:
[
    {
        "question": "question 1",
        "reasoning": "reasoning 1",
        "answer": "answer 1"
    },
    ...
]

Return only the JSON array, no other content.`, count, bulletList(seedQuestions))
}

func guidedGeneratePrompt(seedQuestions []string, count int, instructions string) string {
	return fmt.Sprintf(`Generate %d new records according to the following guidance.

Guidance: %s

Reference questions:
%s

Produce a JSON array:
[
    {
        "question": "question 1",
        "reasoning": "reasoning 1",
        "answer": "answer 1"
    },
    ...
]

Return only the JSON array, no other content.`, count, instructions, bulletList(seedQuestions))
}

func verifyPrompt(question, reasoning, answer string, evidence []string) string {
	return fmt.Sprintf(`Check this question/answer pair for accuracy against the reference material below.

Reference material:
%s

Question/answer pair:
Question: %s
Reasoning: %s
Answer: %s

Judge the following:
1. Is the answer consistent with the reference material?
2. Is the reasoning sound?
3. If anything is wrong, how should it be corrected?

Produce JSON:
{
    "is_correct": true/false,
    "confidence": 0.0-1.0,
    "issues": ["issue 1", "issue 2"],
    "corrected_answer": "the corrected answer (only if a correction is needed)",
    "corrected_reasoning": "the corrected reasoning (only if a correction is needed)"
}

Return only JSON, no other content.`, strings.Join(evidence, "\n"), question, reasoning, answer)
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
