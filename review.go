package agora

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// Review generation parameters: low temperature for stable scoring, small
// budget because the output is a single JSON object.
var reviewParams = GenerationParams{
	Temperature: f64ptr(0.2),
	TopP:        f64ptr(0.9),
	MaxTokens:   intPtr(700),
}

const reviewInstruction = `You are reviewing a finished multi-agent task run.
Reply with ONE JSON object and nothing else:
{"score":{"completion":0-100,"relevance":0-100,"clarity":0-100,"non_redundancy":0-100,"safety":0-100,"overall":0-100},
"verdict":"pass"|"borderline"|"fail",
"highlights":["..."],"issues":[{"severity":"low|medium|high","detail":"..."}],
"next_actions":["..."],"narrative":"..."}`

// synthesizeReview builds the quality review for a stopped run: the owner's
// model first, the deterministic heuristic when the model fails or returns
// garbage.
func synthesizeReview(ctx context.Context, provider Provider, run TaskRun, transcript []Message, logger *slog.Logger) TaskReview {
	if logger == nil {
		logger = nopLogger
	}
	if provider != nil {
		review, err := modelReview(ctx, provider, run, transcript)
		if err == nil {
			return review
		}
		logger.Warn("model review failed, using heuristic", "task_id", run.ID, "err", err)
	}
	return heuristicReview(run)
}

func modelReview(ctx context.Context, provider Provider, run TaskRun, transcript []Message) (TaskReview, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nStop reason: %s\nTurns: %d\nMessages: %d\nRepeat ratio: %.2f\n\nRecent transcript:\n",
		run.Goal, run.StopReason, run.Metrics.TotalTurns, run.Metrics.TotalMessages, run.Metrics.RepeatedRatio)
	for _, m := range transcript {
		fmt.Fprintf(&b, "%s: %s\n", shortID(m.SenderID), trimContent(m.Content, 200))
	}

	params := reviewParams
	resp, err := provider.ChatStream(ctx, ChatRequest{
		Messages: []HistoryEntry{
			SystemEntry(reviewInstruction),
			UserEntry(b.String()),
		},
		Params: &params,
	}, nil)
	if err != nil {
		return TaskReview{}, err
	}

	var payload struct {
		Score       ReviewScore   `json:"score"`
		Verdict     string        `json:"verdict"`
		Highlights  []string      `json:"highlights"`
		Issues      []ReviewIssue `json:"issues"`
		NextActions []string      `json:"next_actions"`
		Narrative   string        `json:"narrative"`
	}
	cleaned := stripFences(resp.Content)
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return TaskReview{}, fmt.Errorf("review output is not JSON: %w", err)
	}

	score := payload.Score
	score.Completion = clampScore(score.Completion)
	score.Relevance = clampScore(score.Relevance)
	score.Clarity = clampScore(score.Clarity)
	score.NonRedundancy = clampScore(score.NonRedundancy)
	score.Safety = clampScore(score.Safety)
	if score.Overall <= 0 {
		score.Overall = meanScore(score)
	}
	score.Overall = clampScore(score.Overall)

	verdict := ReviewVerdict(strings.ToLower(strings.TrimSpace(payload.Verdict)))
	switch verdict {
	case VerdictPass, VerdictBorderline, VerdictFail:
	default:
		verdict = verdictFor(score.Overall)
	}

	return TaskReview{
		TaskID:      run.ID,
		Score:       score,
		Verdict:     verdict,
		Highlights:  payload.Highlights,
		Issues:      payload.Issues,
		NextActions: payload.NextActions,
		Narrative:   payload.Narrative,
		CreatedAt:   NowUnixMilli(),
	}, nil
}

// heuristicReview derives scores from the stop reason and the repetition
// ratio alone, so a review always exists even with the model unreachable.
func heuristicReview(run TaskRun) TaskReview {
	rr := run.Metrics.RepeatedRatio

	var completion, relevance, clarity, nonRedundancy, safety float64
	switch run.StopReason {
	case StopGoalReached:
		completion, relevance, clarity, nonRedundancy, safety = 82, 78, 80, 85, 92
	case StopManual:
		completion, relevance, clarity, nonRedundancy, safety = 68, 70, 72, 75, 90
	default:
		completion, relevance, clarity, nonRedundancy, safety = 60, 62, 64, 65, 88
	}

	score := ReviewScore{
		Completion:    clampScore(int(math.Round(completion - 45*rr))),
		Relevance:     clampScore(int(math.Round(relevance - 30*rr))),
		Clarity:       clampScore(int(math.Round(clarity - 20*rr))),
		NonRedundancy: clampScore(int(math.Round(nonRedundancy - 50*rr))),
		Safety:        clampScore(int(math.Round(safety))),
	}
	score.Overall = meanScore(score)

	narrative := fmt.Sprintf("Run stopped with reason %q after %d turns and %d messages (repeat ratio %.2f). Scores are heuristic; the reviewing model was unavailable.",
		run.StopReason, run.Metrics.TotalTurns, run.Metrics.TotalMessages, rr)

	return TaskReview{
		TaskID:    run.ID,
		Score:     score,
		Verdict:   verdictFor(score.Overall),
		Narrative: narrative,
		CreatedAt: NowUnixMilli(),
	}
}

// renderReviewMessage formats the review for the root group.
func renderReviewMessage(r TaskReview) string {
	var b strings.Builder
	b.WriteString("## Task Review\n")
	fmt.Fprintf(&b, "- Verdict: %s (overall %d)\n", r.Verdict, r.Score.Overall)
	fmt.Fprintf(&b, "- Completion %d | Relevance %d | Clarity %d | Non-redundancy %d | Safety %d\n",
		r.Score.Completion, r.Score.Relevance, r.Score.Clarity, r.Score.NonRedundancy, r.Score.Safety)
	if len(r.Highlights) > 0 {
		b.WriteString("\n### Highlights\n")
		for _, h := range r.Highlights {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if len(r.Issues) > 0 {
		b.WriteString("\n### Issues\n")
		for _, is := range r.Issues {
			fmt.Fprintf(&b, "- [%s] %s\n", is.Severity, is.Detail)
		}
	}
	if len(r.NextActions) > 0 {
		b.WriteString("\n### Next actions\n")
		for _, a := range r.NextActions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if r.Narrative != "" {
		b.WriteString("\n")
		b.WriteString(r.Narrative)
		b.WriteString("\n")
	}
	return b.String()
}

func verdictFor(overall int) ReviewVerdict {
	switch {
	case overall >= 75:
		return VerdictPass
	case overall >= 55:
		return VerdictBorderline
	default:
		return VerdictFail
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func meanScore(s ReviewScore) int {
	sum := s.Completion + s.Relevance + s.Clarity + s.NonRedundancy + s.Safety
	return int(math.Round(float64(sum) / 5))
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		return strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func trimContent(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func f64ptr(v float64) *float64 { return &v }
func intPtr(v int) *int         { return &v }
