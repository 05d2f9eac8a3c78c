// Package agent implements the turn orchestrator: one user turn in,
// bounded provider calls and capability rounds, one answer out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lbianco/butlerd/internal/capability"
	"github.com/lbianco/butlerd/internal/history"
	"github.com/lbianco/butlerd/internal/i18n"
	"github.com/lbianco/butlerd/internal/llm"
	"github.com/lbianco/butlerd/internal/prompts"
)

// ErrSessionReset means the session was reset while the turn was in
// flight. The partial results were discarded.
var ErrSessionReset = errors.New("session was reset during the turn")

// Config bounds the loop's behavior. Zero values get defaults from
// Sanitize.
type Config struct {
	Model       string
	VisionModel string
	MaxTokens   int
	Temperature float64

	// MaxTurns and MaxHistoryTokens trigger compaction when exceeded.
	MaxTurns         int
	MaxHistoryTokens int

	// MaxToolDepth bounds consecutive capability rounds in one turn.
	MaxToolDepth int

	// IdleExpiry resets sessions idle longer than this. Zero disables.
	IdleExpiry time.Duration

	// Language selects the translation table for user-facing errors.
	Language string

	// AnnotateCapabilities appends the list of capabilities used to the
	// final answer.
	AnnotateCapabilities bool
}

// Sanitize fills defaults in place.
func (c *Config) Sanitize() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 20
	}
	if c.MaxHistoryTokens <= 0 {
		c.MaxHistoryTokens = 8192
	}
	if c.MaxToolDepth <= 0 {
		c.MaxToolDepth = 3
	}
	if c.VisionModel == "" {
		c.VisionModel = c.Model
	}
	if c.Language == "" {
		c.Language = "en"
	}
}

// TurnRequest is one user turn.
type TurnRequest struct {
	SessionKey string
	Text       string
	Image      *llm.Image
}

// TurnResult is the completed turn.
type TurnResult struct {
	RequestID        string        `json:"request_id"`
	SessionKey       string        `json:"session_key"`
	Text             string        `json:"text"`
	Direct           bool          `json:"direct,omitempty"`
	CapabilitiesUsed []string      `json:"capabilities_used,omitempty"`
	Usage            history.Usage `json:"usage"`
	InputTokens      int           `json:"input_tokens"`
	OutputTokens     int           `json:"output_tokens"`
	Model            string        `json:"model"`
	Duration         time.Duration `json:"-"`
}

// TurnError carries a short localized message for the user alongside
// the underlying cause. Raw provider payloads never reach the user.
type TurnError struct {
	Message string // localized, user-facing
	Err     error
}

func (e *TurnError) Error() string { return fmt.Sprintf("%s: %v", e.Message, e.Err) }
func (e *TurnError) Unwrap() error { return e.Err }

// UsageRecorder persists per-call token usage. Optional.
type UsageRecorder interface {
	RecordCall(ctx context.Context, sessionKey, model string, inputTokens, outputTokens int) error
}

// TurnNotifier is told about completed turns. Optional.
type TurnNotifier interface {
	TurnCompleted(ctx context.Context, result *TurnResult)
}

// Loop orchestrates turns. Turns on the same session run one at a
// time; distinct sessions proceed concurrently.
type Loop struct {
	logger   *slog.Logger
	store    *history.Store
	registry *capability.Registry
	exec     *llm.Executor
	cfg      Config

	recorder UsageRecorder
	notifier TurnNotifier

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewLoop creates a Loop. registry may be nil when no capabilities are
// configured.
func NewLoop(logger *slog.Logger, store *history.Store, registry *capability.Registry, exec *llm.Executor, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Sanitize()
	return &Loop{
		logger:   logger.With("component", "agent"),
		store:    store,
		registry: registry,
		exec:     exec,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetUsageRecorder wires an optional usage store.
func (l *Loop) SetUsageRecorder(r UsageRecorder) { l.recorder = r }

// SetTurnNotifier wires an optional turn-event publisher.
func (l *Loop) SetTurnNotifier(n TurnNotifier) { l.notifier = n }

// Store exposes the session store for read-side API handlers.
func (l *Loop) Store() *history.Store { return l.store }

// sessionLock returns the mutex guarding one session's turns.
func (l *Loop) sessionLock(key string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	mu, ok := l.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[key] = mu
	}
	return mu
}

// HandleTurn runs one complete turn and returns the final answer.
func (l *Loop) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	return l.handleTurn(ctx, req, nil)
}

// HandleTurnStream runs one turn, streaming text fragments to callback.
// While capabilities are active the provider calls are non-streaming
// (tool use is not supported on streams); the final text is then
// replayed to the callback as a single fragment.
func (l *Loop) HandleTurnStream(ctx context.Context, req TurnRequest, callback llm.StreamCallback) (*TurnResult, error) {
	return l.handleTurn(ctx, req, callback)
}

func (l *Loop) handleTurn(ctx context.Context, req TurnRequest, callback llm.StreamCallback) (*TurnResult, error) {
	mu := l.sessionLock(req.SessionKey)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	requestID := uuid.NewString()
	logger := l.logger.With("session", req.SessionKey, "request_id", requestID)

	if l.store.ExpireIfIdle(req.SessionKey, l.cfg.IdleExpiry) {
		logger.Info("idle session expired, log reseeded")
	}

	userMsg := llm.Message{Role: "user", Content: req.Text, Image: req.Image}
	if req.Image != nil {
		l.store.SetVision(req.SessionKey)
	}
	generation := l.store.Append(req.SessionKey, userMsg)

	l.maybeCompact(ctx, req.SessionKey, generation, logger)

	vision := l.store.Vision(req.SessionKey)
	model := l.cfg.Model
	if vision {
		model = l.cfg.VisionModel
	}

	// Tool declarations go to the model only when capabilities exist and
	// the session is not in vision mode.
	var tools []map[string]any
	if l.registry != nil && l.registry.Len() > 0 && !vision {
		tools = l.registry.Schemas()
	}

	streamDirectly := callback != nil && len(tools) == 0

	var (
		capsUsed  []string
		seen      = map[string]bool{}
		totalIn   int
		totalOut  int
		finalText string
		direct    bool
	)

	for depth := 0; ; depth++ {
		msgs, gen := l.store.Snapshot(req.SessionKey)
		if gen != generation {
			return nil, ErrSessionReset
		}

		chatReq := llm.ChatRequest{
			Model:       model,
			Messages:    msgs,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
		}
		// The last round goes out without tool declarations so the model
		// must answer in text.
		if depth < l.cfg.MaxToolDepth {
			chatReq.Tools = tools
		}

		var resp *llm.ChatResponse
		var err error
		if streamDirectly {
			resp, err = l.exec.ExecuteStream(ctx, chatReq, callback)
		} else {
			resp, err = l.exec.Execute(ctx, chatReq)
		}
		if err != nil {
			return nil, l.turnError(err, vision)
		}
		totalIn += resp.InputTokens
		totalOut += resp.OutputTokens

		if len(resp.Message.ToolCalls) == 0 {
			finalText = resp.Message.Content
			if !l.store.AppendIfCurrent(req.SessionKey, generation, llm.Message{
				Role:    "assistant",
				Content: finalText,
			}) {
				return nil, ErrSessionReset
			}
			break
		}

		// The depth bound is hard. A provider can request tools even when
		// none were declared; past the bound (or with nothing declared at
		// all) the response is taken as the final answer and nothing is
		// invoked.
		if depth >= l.cfg.MaxToolDepth || len(tools) == 0 {
			logger.Warn("capability request past depth bound ignored",
				"depth", depth,
				"count", len(resp.Message.ToolCalls),
			)
			finalText = resp.Message.Content
			if !l.store.AppendIfCurrent(req.SessionKey, generation, llm.Message{
				Role:    "assistant",
				Content: finalText,
			}) {
				return nil, ErrSessionReset
			}
			break
		}

		logger.Debug("model requested capabilities",
			"depth", depth,
			"count", len(resp.Message.ToolCalls),
		)

		if !l.store.AppendIfCurrent(req.SessionKey, generation, resp.Message) {
			return nil, ErrSessionReset
		}

		// Resolve requests strictly in provider order. Each result lands
		// in the log before the next model call; requests in the same
		// round must not depend on each other.
		stop := false
		for _, call := range resp.Message.ToolCalls {
			if !seen[call.Name] {
				seen[call.Name] = true
				capsUsed = append(capsUsed, call.Name)
			}

			result, invokeErr := l.registry.Invoke(ctx, call.Name, call.Arguments)
			toolMsg := llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result.Content,
			}
			if invokeErr != nil {
				// An unknown name at this point is the model inventing a
				// capability, not a configuration gap: everything sent to
				// the provider came from the registry. Logged loudly, then
				// fed back as an error result so the model can recover.
				if errors.Is(invokeErr, capability.ErrUnknown) {
					logger.Error("model requested unregistered capability", "capability", call.Name)
				} else {
					logger.Warn("capability failed", "capability", call.Name, "error", invokeErr)
				}
				toolMsg.Content = invokeErr.Error()
				toolMsg.IsError = true
			}
			if !l.store.AppendIfCurrent(req.SessionKey, generation, toolMsg) {
				return nil, ErrSessionReset
			}
			if invokeErr == nil && result.Direct {
				finalText = result.Content
				direct = true
				stop = true
				break
			}
		}
		if stop {
			break
		}
	}

	if l.cfg.AnnotateCapabilities && len(capsUsed) > 0 && !direct {
		finalText += fmt.Sprintf("\n\n%s: %s",
			i18n.Text(l.cfg.Language, "capabilities_used"),
			strings.Join(capsUsed, ", "))
	}

	// Tool rounds force non-streaming provider calls; replay the final
	// text as a single fragment so stream consumers still get it.
	if callback != nil && !streamDirectly {
		callback(llm.StreamEvent{Kind: llm.KindToken, Token: finalText})
		callback(llm.StreamEvent{Kind: llm.KindDone})
	}

	result := &TurnResult{
		RequestID:        requestID,
		SessionKey:       req.SessionKey,
		Text:             finalText,
		Direct:           direct,
		CapabilitiesUsed: capsUsed,
		Usage:            l.store.EstimateUsage(req.SessionKey),
		InputTokens:      totalIn,
		OutputTokens:     totalOut,
		Model:            model,
		Duration:         time.Since(start),
	}

	if l.recorder != nil {
		if err := l.recorder.RecordCall(ctx, req.SessionKey, model, totalIn, totalOut); err != nil {
			logger.Warn("failed to record usage", "error", err)
		}
	}
	if l.notifier != nil {
		l.notifier.TurnCompleted(ctx, result)
	}

	logger.Info("turn completed",
		"model", model,
		"capabilities", len(capsUsed),
		"input_tokens", totalIn,
		"output_tokens", totalOut,
		"duration", result.Duration,
	)

	return result, nil
}

// maybeCompact summarizes the log when it exceeds the configured
// bounds. A failed summarization falls back to truncation; either way
// the turn proceeds.
func (l *Loop) maybeCompact(ctx context.Context, key string, generation uint64, logger *slog.Logger) {
	usage := l.store.EstimateUsage(key)
	if usage.Messages <= l.cfg.MaxTurns && usage.EstimatedTokens <= l.cfg.MaxHistoryTokens {
		return
	}

	logger.Info("history over budget, compacting",
		"messages", usage.Messages,
		"estimated_tokens", usage.EstimatedTokens,
	)

	summary, err := l.summarize(ctx, key)
	if err != nil {
		keep := l.cfg.MaxTurns / 2
		logger.Warn("summarization failed, truncating instead",
			"error", err,
			"keep_recent", keep,
		)
		l.store.Truncate(key, generation, keep)
		return
	}

	if !l.store.Compact(key, generation, summary) {
		logger.Debug("compaction skipped, generation moved on")
	}
}

// summarize asks the model to compress everything before the current
// user turn.
func (l *Loop) summarize(ctx context.Context, key string) (string, error) {
	msgs, _ := l.store.Snapshot(key)
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == "user" {
		msgs = msgs[:len(msgs)-1] // the current turn stays out of the summary
	}

	pairs := make([][2]string, 0, len(msgs))
	for _, m := range msgs {
		pairs = append(pairs, [2]string{m.Role, m.Content})
	}

	resp, err := l.exec.Execute(ctx, llm.ChatRequest{
		Model: l.cfg.Model,
		Messages: []llm.Message{{
			Role:    "user",
			Content: prompts.SummaryPrompt(prompts.FormatConversation(pairs)),
		}},
		MaxTokens:   prompts.SummaryMaxTokens,
		Temperature: prompts.SummaryTemperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// turnError maps a provider failure to a localized user-facing error.
func (l *Loop) turnError(err error, vision bool) error {
	key := "error"
	switch {
	case vision && llm.IsFatal(err):
		key = "vision_fail"
	case llm.IsFatal(err):
		key = "invalid_request"
	case llm.IsRetryable(err):
		key = "rate_limited"
	}
	return &TurnError{Message: i18n.Text(l.cfg.Language, key), Err: err}
}
