// Package executor implements the Task Executor: acquire capacity,
// call an LLM through the Retry Engine, parse its structured-output
// contract, and guarantee release of the held reservation on every exit
// path. Grounded on the ag-ui SDK's examples/client/internal/tools task
// runner (pkg/tools/executor.go), which wraps a callable with a heartbeat
// ticker and a scoped-release defer in the same shape used here, adapted
// to charge capacity reservations and route through the retry engine
// instead of a plain timeout wrapper.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/pkg/adaptive"
	"github.com/Mekann2904/mekann-sub020/pkg/capacity"
	"github.com/Mekann2904/mekann-sub020/pkg/retry"
	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

// tracer names the span source for task execution.
var tracer = otel.Tracer("runtime-core-executor")

// Reserver is the subset of the Scheduler the executor depends on, kept
// as an interface so tests can substitute a bare Capacity.
type Reserver interface {
	Request(ctx context.Context, spec capacity.Spec) (*capacity.Lease, error)
	Release(lease *capacity.Lease)
	Heartbeat(lease *capacity.Lease) error
}

// LLMCallable invokes the underlying model. attempt is 0 on the first try,
// incremented on each retry-engine retry (including the schema_violation
// format-reminder retry). A returned error that implements StatusCoder or
// net.Error (or wraps one via errors.As) lets classifyLLMError tell a
// transient failure from a permanent one; an error with neither is treated
// as permanent.
type LLMCallable func(ctx context.Context, prompt string, attempt int) (raw string, tokensUsed *int, err error)

// StatusCoder is implemented by an LLMCallable error that carries an
// HTTP-like status code, so classifyLLMError can classify 429/5xx as
// transient and other 4xx codes as permanent without parsing error text.
type StatusCoder interface {
	StatusCode() int
}

// Requires names the capacity a task consumes: a request slot and,
// optionally, an LLM call slot.
type Requires struct {
	Requests int
	LLM      int
}

// TaskRequest is the argument to RunTask.
type TaskRequest struct {
	Prompt        string
	Model         string
	TimeoutMs     time.Duration
	Requires      Requires
	RateLimitKey  string
	BreakerKey    string
	LeaseTTL      time.Duration // defaults to 90s if zero
	RetryOptions  retry.Options // zero value uses retry.DefaultOptions
	EnableBreaker bool
}

// StructuredOutput is the shared structured-output contract's parsed form.
type StructuredOutput struct {
	Summary    string
	Claim      string
	Evidence   string
	Confidence string
	Result     string
	NextStep   string
	Extra      map[string]interface{}
}

// TaskResult is the return value of RunTask.
type TaskResult struct {
	Output     string
	LatencyMs  int64
	TokensUsed *int
	Parsed     *StructuredOutput
}

// Executor ties reservation, retry and adaptive-outcome recording together.
type Executor struct {
	reserver Reserver
	retry    *retry.Engine
	adapt    *adaptive.Controller
	log      *zap.Logger
}

// New creates an Executor.
func New(reserver Reserver, retryEngine *retry.Engine, adapt *adaptive.Controller, log *zap.Logger) *Executor {
	return &Executor{reserver: reserver, retry: retryEngine, adapt: adapt, log: corelog.Named(log, "executor")}
}

// RunTask reserves capacity, calls the model with retry and breaker
// protection, and records the outcome end to end.
func (ex *Executor) RunTask(ctx context.Context, req TaskRequest, call LLMCallable) (*TaskResult, error) {
	ctx, span := tracer.Start(ctx, "executor.run_task", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.Int("requires.requests", req.Requires.Requests),
		attribute.Int("requires.llm", req.Requires.LLM),
	))
	defer span.End()

	result, err := ex.runTask(ctx, req, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (ex *Executor) runTask(ctx context.Context, req TaskRequest, call LLMCallable) (*TaskResult, error) {
	leaseTTL := req.LeaseTTL
	if leaseTTL == 0 {
		leaseTTL = 90 * time.Second
	}

	reqSpec := capacity.Spec{
		Requests:  req.Requires.Requests,
		LLM:       req.Requires.LLM,
		Model:     req.Model,
		TimeoutMs: req.TimeoutMs,
	}
	lease, err := ex.reserver.Request(ctx, reqSpec)
	if err != nil {
		return nil, classifyAdmissionError(err)
	}
	defer ex.reserver.Release(lease)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go ex.heartbeatLoop(heartbeatCtx, lease, leaseTTL/3)

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.TimeoutMs)
		defer cancel()
	}

	start := time.Now()
	var raw string
	var tokensUsed *int
	formatReminderSent := false

	op := func(opCtx context.Context, attempt int) error {
		prompt := req.Prompt
		if formatReminderSent {
			prompt = prompt + "\n\nReminder: respond using the SUMMARY/RESULT structured-output format."
		}
		out, tokens, callErr := call(opCtx, prompt, attempt)
		if callErr != nil {
			return classifyLLMError(callErr)
		}
		if _, _, perr := ParseStructuredOutput(out); perr != nil {
			sv := rterrors.New(rterrors.KindSchemaViolation, "missing required structured-output fields")
			if formatReminderSent {
				return sv
			}
			formatReminderSent = true
			return sv.WithRetry(0)
		}
		raw, tokensUsed = out, tokens
		return nil
	}

	opts := req.RetryOptions
	if opts.MaxRetries == 0 && opts.InitialDelay == 0 {
		opts = retry.DefaultOptions()
	}
	opts.RateLimitKey = req.RateLimitKey
	opts.CircuitBreakerKey = req.BreakerKey
	opts.EnableCircuitBreaker = req.EnableBreaker

	runErr := ex.retry.Do(ctx, op, opts)
	latency := time.Since(start)

	outcome := adaptive.Success
	if runErr != nil {
		outcome = classifyOutcome(runErr)
	}
	if ex.adapt != nil {
		ex.adapt.RecordOutcome(adaptiveKey(req), outcome)
	}

	if runErr != nil {
		return nil, runErr
	}

	summary, extra, _ := ParseStructuredOutput(raw)
	return &TaskResult{
		Output:     raw,
		LatencyMs:  latency.Milliseconds(),
		TokensUsed: tokensUsed,
		Parsed:     mergeParsed(summary, extra),
	}, nil
}

func adaptiveKey(req TaskRequest) string {
	if req.RateLimitKey != "" {
		return req.RateLimitKey
	}
	if req.Model != "" {
		return req.Model
	}
	return adaptive.DefaultKey
}

func classifyOutcome(err error) adaptive.Outcome {
	switch {
	case rterrors.IsKind(err, rterrors.KindTimeout):
		return adaptive.Timeout
	case rterrors.IsKind(err, rterrors.KindRateLimited):
		return adaptive.RateLimit
	default:
		return adaptive.Error
	}
}

func (ex *Executor) heartbeatLoop(ctx context.Context, lease *capacity.Lease, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ex.reserver.Heartbeat(lease); err != nil {
				ex.log.Debug("heartbeat failed, lease likely expired", zap.Error(err))
				return
			}
		}
	}
}

func classifyAdmissionError(err error) error {
	if rterrors.IsKind(err, rterrors.KindCancelled) || rterrors.IsKind(err, rterrors.KindQueueTimeout) {
		return err
	}
	return rterrors.New(rterrors.KindRuntimeLimit, "admission denied").WithCause(err)
}

// classifyLLMError turns an LLMCallable error into a CoreError, deciding
// Retryable from the error's actual nature rather than assuming every
// failure is transient: a status code of 429 or 5xx, or a network-level
// error (including a deadline exceeded on the call itself), is retryable;
// everything else (a permanent 4xx, a malformed request, an unrecognized
// error shape) is not, so the retry engine surfaces it on the first
// attempt instead of burning retries on a failure that will never succeed.
func classifyLLMError(err error) error {
	if ce, ok := err.(*rterrors.CoreError); ok {
		return ce
	}

	ce := rterrors.New(rterrors.KindLLMError, rterrors.Redact(err.Error()))

	var sc StatusCoder
	if errors.As(err, &sc) {
		if code := sc.StatusCode(); code == 429 || code >= 500 {
			return ce.WithRetry(0)
		}
		return ce
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ce.WithRetry(0)
	}

	return ce
}

// ParseStructuredOutput extracts the shared structured-output contract's
// fields from raw model output: case-insensitive `KEY: value` lines, with
// an optional trailing fenced JSON block merged in (later keys win).
// Returns an error if SUMMARY or RESULT is missing from the parsed fields.
func ParseStructuredOutput(raw string) (*StructuredOutput, map[string]interface{}, error) {
	out := &StructuredOutput{Extra: map[string]interface{}{}}
	fields := map[string]*string{
		"summary":    &out.Summary,
		"claim":      &out.Claim,
		"evidence":   &out.Evidence,
		"confidence": &out.Confidence,
		"result":     &out.Result,
		"next_step":  &out.NextStep,
		"nextstep":   &out.NextStep,
	}

	for _, line := range strings.Split(raw, "\n") {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		if dst, ok := fields[key]; ok {
			*dst = val
		}
	}

	if jsonBlock := extractJSONBlock(raw); jsonBlock != "" {
		merged, err := mergeJSONBlock(out, jsonBlock)
		if err == nil {
			out = merged
		}
	}

	if out.Summary == "" || out.Result == "" {
		return out, out.Extra, fmt.Errorf("missing required fields SUMMARY/RESULT")
	}
	return out, out.Extra, nil
}

func extractJSONBlock(raw string) string {
	start := strings.Index(raw, "```json")
	if start == -1 {
		return ""
	}
	rest := raw[start+len("```json"):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// mergeJSONBlock patches the parsed line-based fields with a fenced JSON
// block, via a JSON-merge-patch so block fields override line fields
// without clobbering fields the block omits.
func mergeJSONBlock(base *StructuredOutput, block string) (*StructuredOutput, error) {
	baseJSON := fmt.Sprintf(
		`{"summary":%q,"claim":%q,"evidence":%q,"confidence":%q,"result":%q,"next_step":%q}`,
		base.Summary, base.Claim, base.Evidence, base.Confidence, base.Result, base.NextStep,
	)
	merged, err := jsonpatch.MergePatch([]byte(baseJSON), []byte(block))
	if err != nil {
		return base, err
	}

	var m map[string]interface{}
	if err := json.Unmarshal(merged, &m); err != nil {
		return base, err
	}

	out := &StructuredOutput{Extra: map[string]interface{}{}}
	for k, v := range m {
		s := toStr(v)
		switch k {
		case "summary":
			out.Summary = s
		case "claim":
			out.Claim = s
		case "evidence":
			out.Evidence = s
		case "confidence":
			out.Confidence = s
		case "result":
			out.Result = s
		case "next_step", "nextStep":
			out.NextStep = s
		default:
			out.Extra[k] = v
		}
	}
	return out, nil
}

func mergeParsed(s *StructuredOutput, extra map[string]interface{}) *StructuredOutput {
	if s.Extra == nil {
		s.Extra = extra
	}
	return s
}

func toStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
