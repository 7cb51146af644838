package intent

import (
	"context"
	"fmt"
	"time"

	"campus-assistant/internal/ai"
	"campus-assistant/internal/logger"
	"campus-assistant/internal/telemetry"
)

const routerPrompt = `Decide which domain the question below belongs to. Choose exactly one of the following and reply with the label only:

- "%s": the student's own records such as student id, name, department, major, course or class.
- "%s": school psychology and student wellbeing, including psychological tests.
- "%s": regulations, academic procedures, tuition, scholarships, facilities, activities and general information about the school.
For questions unrelated to all of the above, reply "%s".

Question: %s
Domain:`

// Classifier routes a question to one Intent with a single completion call.
type Classifier struct {
	llm     ai.Gateway
	timeout time.Duration
	metrics *telemetry.Metrics
}

func NewClassifier(llm ai.Gateway, timeout time.Duration, metrics *telemetry.Metrics) *Classifier {
	return &Classifier{llm: llm, timeout: timeout, metrics: metrics}
}

// Classify never fails: gateway errors and timeouts yield Default.
func (c *Classifier) Classify(ctx context.Context, question string) Intent {
	ctx, cancel := ai.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.llm.Complete(ctx, ai.CompletionRequest{Prompt: buildPrompt(question)})
	if err != nil {
		logger.Warn("Intent classification failed, using default", "error", err)
		c.metrics.RecordIntent(Default.Name())
		return Default
	}

	in := Match(raw)
	c.metrics.RecordIntent(in.Name())
	return in
}

func buildPrompt(question string) string {
	return fmt.Sprintf(routerPrompt,
		StudentInfo.Label(),
		Counselling.Label(),
		StudentAffairs.Label(),
		StudentAffairs.Label(),
		question,
	)
}
