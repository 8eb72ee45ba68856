package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"evidenceflow/internal/core"
	"evidenceflow/internal/llm"
	"evidenceflow/internal/scripts"
	"evidenceflow/internal/store"
)

// ErrInvalidInput is returned for empty or blank log input.
var ErrInvalidInput = errors.New("log lines are empty")

const (
	maxLogLines   = 200
	maxLineLength = 2000
)

const systemPrompt = `You diagnose failing evidence collection handlers.
Given the failure logs, and the handler source when available, identify the root cause and propose a fix.
Only set patchedSource when the fix is a change to the handler code, and then return the complete corrected file.`

// Options configures a Service.
type Options struct {
	Provider      llm.Provider
	Model         string
	Store         *store.Store
	Scripts       *scripts.Store
	AutoApply     bool
	RatePerMinute int
	Logger        *slog.Logger
}

// Service proposes fixes and records them for failed runs.
type Service struct {
	provider  llm.Provider
	model     string
	store     *store.Store
	scripts   *scripts.Store
	autoApply bool
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.RatePerMinute)
	}
	return &Service{
		provider:  opts.Provider,
		model:     opts.Model,
		store:     opts.Store,
		scripts:   opts.Scripts,
		autoApply: opts.AutoApply,
		limiter:   limiter,
		logger:    logger.With("component", "remediation"),
	}
}

// Propose asks the model for a structured fix. Empty input is rejected
// before any model call.
func (s *Service) Propose(ctx context.Context, logLines []string) (*StructuredFix, error) {
	return s.propose(ctx, logLines, "")
}

func (s *Service) propose(ctx context.Context, logLines []string, source string) (*StructuredFix, error) {
	if err := Check(logLines); err != nil {
		return nil, err
	}
	lines := cleanLines(logLines)
	schema, err := Schema()
	if err != nil {
		return nil, core.E(core.KindInternal, "propose fix", err)
	}
	var user strings.Builder
	user.WriteString("Failure logs:\n")
	user.WriteString(strings.Join(lines, "\n"))
	if source != "" {
		user.WriteString("\n\nHandler source:\n")
		user.WriteString(source)
	}
	resp, err := s.provider.Complete(ctx, llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: user.String()},
		},
		ResponseSchema: &llm.ResponseSchema{Name: "structured_fix", Schema: schema},
	})
	if err != nil {
		return nil, core.E(core.KindUnavailable, "propose fix", err)
	}
	fix, err := parseFix(resp.Content)
	if err != nil {
		return nil, core.E(core.KindUnavailable, "propose fix", err)
	}
	return fix, nil
}

// Check rejects log input Propose would refuse.
func Check(logLines []string) error {
	if len(cleanLines(logLines)) == 0 {
		return core.E(core.KindValidation, "propose fix", ErrInvalidInput)
	}
	return nil
}

// Suggest is Propose with every failure, including rate limiting, degraded
// to nil.
func (s *Service) Suggest(ctx context.Context, logLines []string) *StructuredFix {
	return s.suggest(ctx, logLines, "")
}

func (s *Service) suggest(ctx context.Context, logLines []string, source string) *StructuredFix {
	if !s.limiter.Allow() {
		s.logger.Warn("fix suggestion rate limited")
		return nil
	}
	fix, err := s.propose(ctx, logLines, source)
	if err != nil {
		s.logger.Warn("no fix available", "err", err)
		return nil
	}
	return fix
}

// ForwardFailure is a run failure hook. It stores a suggestion for the
// automation and, when configured, writes the patched source back to the
// script store. The run itself is never modified.
func (s *Service) ForwardFailure(ctx context.Context, run *core.Run) {
	logger := s.logger.With("run_id", run.ID, "automation_id", run.AutomationID)
	var source string
	var deployment *core.Deployment
	if d, err := s.store.GetDeployment(ctx, run.DeploymentID); err == nil {
		deployment = d
		source = string(d.Content)
	} else {
		logger.Warn("deployment unavailable for remediation", "deployment_id", run.DeploymentID, "err", err)
	}
	fix := s.suggest(ctx, LogLines(run.Error), source)
	if fix == nil {
		return
	}
	body, err := json.Marshal(fix)
	if err != nil {
		logger.Error("encode fix failed", "err", err)
		return
	}
	rec := &core.Remediation{RunID: run.ID, AutomationID: run.AutomationID, Fix: body}
	if err := s.store.InsertRemediation(ctx, rec); err != nil {
		logger.Error("store remediation failed", "err", err)
		return
	}
	logger.Info("remediation recorded", "remediation_id", rec.ID, "category", fix.Category, "confidence", fix.Confidence)
	if !s.autoApply || fix.PatchedSource == "" || deployment == nil || s.scripts == nil {
		return
	}
	if err := s.apply(ctx, rec, deployment, fix.PatchedSource); err != nil {
		logger.Error("auto-apply failed", "remediation_id", rec.ID, "err", err)
	}
}

func (s *Service) apply(ctx context.Context, rec *core.Remediation, d *core.Deployment, patched string) error {
	a, err := s.store.GetAutomation(ctx, rec.AutomationID)
	if err != nil {
		return err
	}
	res, err := s.scripts.Put(ctx, a.OrganizationID, a.TaskID, []byte(patched), d.Metadata, "")
	if err != nil {
		return err
	}
	a.ScriptKey = res.Key
	a.ValidatedHash = nil
	a.AuthoringState = core.AuthoringDrafting
	if err := s.store.UpdateAutomation(ctx, a); err != nil {
		return err
	}
	s.logger.Info("patched source applied", "automation_id", a.ID, "key", res.Key, "remediation_id", rec.ID)
	return s.store.MarkRemediationApplied(ctx, rec.ID)
}

// LogLines extracts log lines from a run error payload. Objects carrying
// message and logs fields are flattened, strings are split into lines and
// anything else is used verbatim.
func LogLines(payload json.RawMessage) []string {
	if len(payload) == 0 {
		return nil
	}
	var obj struct {
		Message string   `json:"message"`
		Logs    []string `json:"logs"`
	}
	if err := json.Unmarshal(payload, &obj); err == nil && (obj.Message != "" || len(obj.Logs) > 0) {
		var lines []string
		if obj.Message != "" {
			lines = append(lines, obj.Message)
		}
		return append(lines, obj.Logs...)
	}
	var text string
	if err := json.Unmarshal(payload, &text); err == nil {
		return strings.Split(text, "\n")
	}
	return []string{string(payload)}
}

func cleanLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimRight(l, "\r\n ")
		if strings.TrimSpace(l) == "" {
			continue
		}
		if len(l) > maxLineLength {
			cut := maxLineLength
			for cut > 0 && !utf8.RuneStart(l[cut]) {
				cut--
			}
			l = l[:cut]
		}
		out = append(out, l)
	}
	if len(out) > maxLogLines {
		out = out[len(out)-maxLogLines:]
	}
	return out
}
