// Package evaluator implements the offline/online scoring harness (§4.10):
// it drives the Orchestrator end to end against a labeled corpus of
// synthetic mailboxes and queries, then scores each response along four
// axes (query understanding, retrieval, ranking, presentation) with an
// LLM-as-judge. Ground-truth labels are used only here, never passed into
// the production pipeline under evaluation.
package evaluator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inboxloom/orchestrator/llm"
	"github.com/inboxloom/orchestrator/orchestrator"
	"github.com/inboxloom/orchestrator/types"
)

// Axis is one of the four scoring dimensions named in §4.10.
type Axis string

const (
	AxisUnderstanding Axis = "understanding"
	AxisRetrieval     Axis = "retrieval"
	AxisRanking       Axis = "ranking"
	AxisPresentation  Axis = "presentation"
)

// DefaultAxes is the fixed axis set every case is scored on.
var DefaultAxes = []Axis{AxisUnderstanding, AxisRetrieval, AxisRanking, AxisPresentation}

// Mode selects whether the judge makes a fresh LLM call or reuses a prior
// judgment cached by prompt hash (§4.10 "full (fresh LLM calls), cached").
type Mode string

const (
	ModeFull   Mode = "full"
	ModeCached Mode = "cached"
)

// Case is one labeled example: a query against a synthetic mailbox/user,
// with a ground-truth description the judge compares the envelope against.
// GroundTruth is never passed to orchestrator.Orchestrator.HandleMessage.
type Case struct {
	ID          string
	Query       string
	History     types.ConversationHistory
	UserContext types.UserContext
	GroundTruth string
}

// AxisScore is the judge's verdict for one axis of one case.
type AxisScore struct {
	Axis      Axis    `json:"axis"`
	Score     float64 `json:"score"` // 0.0-1.0
	Reasoning string  `json:"reasoning"`
}

// CaseResult is one case's envelope plus its judged scores.
type CaseResult struct {
	CaseID       string
	Envelope     types.PlanEnvelope
	Scores       []AxisScore
	OverallScore float64
	FromCache    bool
	Err          error
}

// Report aggregates a full run's per-case results (§4.10 "primary
// regression harness").
type Report struct {
	Results      []CaseResult
	AverageScore float64
	ScoreStdDev  float64
	AxisAverages map[Axis]float64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// WeakestFirst returns a copy of the report's results sorted ascending by
// overall score, so regressions surface first in a CI log.
func (r Report) WeakestFirst() []CaseResult {
	out := make([]CaseResult, len(r.Results))
	copy(out, r.Results)
	sortResultsByScore(out)
	return out
}

// JudgmentCache persists a case's judged AxisScores keyed by a hash of the
// judging prompt, so ModeCached reruns are deterministic and free of LLM
// calls (§4.10 "must support deterministic reruns when LLM responses are
// cached").
type JudgmentCache interface {
	Get(ctx context.Context, promptHash string) ([]AxisScore, bool, error)
	Put(ctx context.Context, promptHash string, scores []AxisScore) error
}

// Config tunes the evaluator's concurrency and judge model.
type Config struct {
	JudgeModel  string
	Concurrency int // max cases judged concurrently, default 5
}

// DefaultConfig mirrors the teacher evaluation framework's batch-judging
// defaults.
func DefaultConfig(model string) Config {
	return Config{JudgeModel: model, Concurrency: 5}
}

// Evaluator drives the Orchestrator over a corpus of Cases and scores each
// response with an LLM judge.
type Evaluator struct {
	orch   *orchestrator.Orchestrator
	judge  llm.Provider
	cache  JudgmentCache // may be nil; required for ModeCached hits
	cfg    Config
	logger *zap.Logger
}

// New builds an Evaluator. cache may be nil, in which case ModeCached
// behaves like ModeFull (every case re-judged) but still writes nothing.
func New(orch *orchestrator.Orchestrator, judge llm.Provider, cache JudgmentCache, cfg Config, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Evaluator{orch: orch, judge: judge, cache: cache, cfg: cfg, logger: logger.With(zap.String("component", "evaluator"))}
}

// Run drives every case through the orchestrator and judge, bounded by
// cfg.Concurrency, and returns the aggregated Report.
func (e *Evaluator) Run(ctx context.Context, cases []Case, mode Mode) Report {
	started := time.Now()
	results := make([]CaseResult, len(cases))

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, c := range cases {
		i, c := i, c
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.runCase(ctx, c, mode)
		}()
	}
	wg.Wait()

	report := Report{Results: results, StartedAt: started, FinishedAt: time.Now()}
	report.AverageScore, report.AxisAverages = aggregate(results)
	report.ScoreStdDev = scoreStdDev(overallScores(results))
	return report
}

func overallScores(results []CaseResult) []float64 {
	out := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r.OverallScore)
		}
	}
	return out
}

// runCase executes one case end to end: HandleMessage, then judge (fresh or
// cached by prompt hash depending on mode).
func (e *Evaluator) runCase(ctx context.Context, c Case, mode Mode) CaseResult {
	envelope, err := e.orch.HandleMessage(ctx, c.UserContext.UserID, c.Query, c.History, orchestrator.RequestOptions{})
	if err != nil {
		return CaseResult{CaseID: c.ID, Err: fmt.Errorf("evaluator: orchestrator: %w", err)}
	}

	prompt := e.judgePrompt(c, envelope)
	hash := promptHash(e.cfg.JudgeModel, prompt)

	if e.cache != nil && mode == ModeCached {
		if scores, ok, cerr := e.cache.Get(ctx, hash); cerr == nil && ok {
			return finishResult(c.ID, envelope, scores, true)
		}
	}

	scores, err := e.judgeScores(ctx, prompt)
	if err != nil {
		return CaseResult{CaseID: c.ID, Envelope: envelope, Err: fmt.Errorf("evaluator: judge: %w", err)}
	}

	if e.cache != nil && mode == ModeFull {
		if perr := e.cache.Put(ctx, hash, scores); perr != nil {
			e.logger.Debug("judgment cache write failed, continuing", zap.Error(perr))
		}
	}

	return finishResult(c.ID, envelope, scores, false)
}

func finishResult(caseID string, envelope types.PlanEnvelope, scores []AxisScore, fromCache bool) CaseResult {
	return CaseResult{
		CaseID:       caseID,
		Envelope:     envelope,
		Scores:       scores,
		OverallScore: meanScore(scores),
		FromCache:    fromCache,
	}
}

// judgePrompt renders the case's ground truth, user query, and the
// envelope's answer into the judging prompt. Ground truth appears only
// here, downstream of HandleMessage — the production pipeline never sees it.
func (e *Evaluator) judgePrompt(c Case, envelope types.PlanEnvelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", c.Query)
	fmt.Fprintf(&b, "Ground truth: %s\n", c.GroundTruth)
	fmt.Fprintf(&b, "Assistant answer: %s\n", envelope.Answer)
	fmt.Fprintf(&b, "Partial result: %v, needs reauth: %v\n", envelope.PartialResult, envelope.NeedsReauth)
	b.WriteString("Score the assistant answer against the ground truth on these axes, each 0.0-1.0:\n")
	for _, axis := range DefaultAxes {
		fmt.Fprintf(&b, "- %s\n", axis)
	}
	b.WriteString(`Respond with ONLY JSON: {"scores":[{"axis":string,"score":number,"reasoning":string}]}`)
	return b.String()
}

func (e *Evaluator) judgeScores(ctx context.Context, prompt string) ([]AxisScore, error) {
	resp, err := e.judge.Completion(ctx, &llm.ChatRequest{
		Model: e.cfg.JudgeModel,
		Messages: []types.Message{
			types.NewSystemMessage("You are a strict, consistent grader. Always respond with the requested JSON shape."),
			types.NewUserMessage(prompt),
		},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion")
	}

	var dto struct {
		Scores []AxisScore `json:"scores"`
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &dto); err != nil {
		return nil, fmt.Errorf("invalid judge response: %w", err)
	}
	for i := range dto.Scores {
		dto.Scores[i].Score = clamp(dto.Scores[i].Score, 0, 1)
	}
	return dto.Scores, nil
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func meanScore(scores []AxisScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s.Score
	}
	return sum / float64(len(scores))
}

// aggregate computes the overall average and per-axis averages across every
// case that did not error.
func aggregate(results []CaseResult) (float64, map[Axis]float64) {
	axisTotals := make(map[Axis]float64)
	axisCounts := make(map[Axis]int)
	var overallTotal float64
	var overallCount int

	for _, r := range results {
		if r.Err != nil {
			continue
		}
		overallTotal += r.OverallScore
		overallCount++
		for _, s := range r.Scores {
			axisTotals[s.Axis] += s.Score
			axisCounts[s.Axis]++
		}
	}

	axisAverages := make(map[Axis]float64, len(axisTotals))
	for axis, total := range axisTotals {
		axisAverages[axis] = total / float64(axisCounts[axis])
	}

	if overallCount == 0 {
		return 0, axisAverages
	}
	return overallTotal / float64(overallCount), axisAverages
}

// promptHash keys the judgment cache off the exact model + prompt text, so
// any change to either forces a fresh judgment rather than silently reusing
// a stale one.
func promptHash(model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

func scoreStdDev(scores []float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	var mean float64
	for _, s := range scores {
		mean += s
	}
	mean /= float64(len(scores))

	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(scores) - 1)
	return math.Sqrt(variance)
}

// sortResultsByScore orders a Report's results ascending by overall score,
// surfacing the weakest cases first for review.
func sortResultsByScore(results []CaseResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].OverallScore < results[j].OverallScore })
}
