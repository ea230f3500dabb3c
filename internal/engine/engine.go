// Package engine owns deal lifecycle: creation, the update merge, and
// the readiness report. All writes go through a single transaction that
// also carries the audit event.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dealline/internal/config"
	"dealline/internal/domain"
	"dealline/internal/events"
	"dealline/internal/extract"
	"dealline/internal/repo"
)

// ErrRejected marks an update whose merged process violated a blocking
// invariant. The deal is unchanged and no history entry was written.
var ErrRejected = errors.New("update rejected")

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Extractor extract.Extractor
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// CreateDeal registers an empty deal under a unique name.
func (e Engine) CreateDeal(ctx context.Context, name, actorID string) (domain.Deal, error) {
	if name == "" {
		return domain.Deal{}, errors.New("deal name is required")
	}
	exists, err := e.Repo.DealExists(ctx, name)
	if err != nil {
		return domain.Deal{}, err
	}
	if exists {
		return domain.Deal{}, fmt.Errorf("deal %q already exists", name)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deal{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	d := domain.Deal{
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Process:   domain.BuyingProcess{Steps: []domain.BuyingStep{}},
		History:   []domain.UpdateRecord{},
	}
	if err := e.Repo.InsertDeal(ctx, tx, d); err != nil {
		return domain.Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeDealCreated, name, "deal", name, actorID, nil); err != nil {
		return domain.Deal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Deal{}, err
	}
	return d, nil
}

// Merge applies a candidate document to a deal in memory: normalize,
// validate, then replace the process wholesale and append one history
// entry. On a blocking violation the returned deal is the input deal
// untouched. Pure; persistence happens in ApplyUpdate.
func Merge(deal domain.Deal, doc domain.ProcessDocument, updateID, rawText, now string) (domain.Deal, domain.ValidationResult) {
	candidate := doc.Process
	domain.Normalize(&candidate)
	doc.Process = candidate

	res := domain.Validate(candidate)
	if !res.OK() {
		return deal, res
	}

	deal.Process = candidate
	deal.UpdatedAt = now
	deal.History = append(deal.History, domain.UpdateRecord{
		ID:        updateID,
		Timestamp: now,
		RawText:   rawText,
		Extracted: doc,
	})
	return deal, res
}

// UpdateOptions carries one deal update. Doc short-circuits extraction;
// otherwise RawText is sent to the configured extraction provider.
type UpdateOptions struct {
	DealName string
	RawText  string
	ActorID  string
	Doc      *domain.ProcessDocument
}

// ApplyUpdate runs one update end to end: extract (unless a document is
// supplied), merge, persist, and log. A rejection returns ErrRejected
// with the validation result carrying the blocking violations; the
// rejection itself is still logged.
func (e Engine) ApplyUpdate(ctx context.Context, opts UpdateOptions) (domain.Deal, domain.ValidationResult, error) {
	deal, err := e.Repo.GetDeal(ctx, opts.DealName)
	if err != nil {
		return domain.Deal{}, domain.ValidationResult{}, err
	}

	doc := opts.Doc
	if doc == nil {
		extracted, err := e.extractDocument(ctx, opts.RawText, deal.Process)
		if err != nil {
			return deal, domain.ValidationResult{}, err
		}
		doc = &extracted
	}

	now := e.nowRFC3339()
	updateID := uuid.NewString()
	merged, res := Merge(deal, *doc, updateID, opts.RawText, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return deal, res, err
	}
	defer tx.Rollback()

	if !res.OK() {
		err := e.Events.Append(ctx, tx, events.TypeUpdateRejected, deal.Name, "deal", deal.Name, opts.ActorID,
			events.EventPayload{"violations": res.Blocking()})
		if err != nil {
			return deal, res, err
		}
		if err := tx.Commit(); err != nil {
			return deal, res, err
		}
		return deal, res, fmt.Errorf("%w: %d blocking violation(s)", ErrRejected, len(res.Blocking()))
	}

	if err := e.Repo.ReplaceProcess(ctx, tx, merged.Name, merged.Process, now); err != nil {
		return deal, res, fmt.Errorf("replace process: %w", err)
	}
	rec := merged.History[len(merged.History)-1]
	if err := e.Repo.InsertUpdate(ctx, tx, merged.Name, rec); err != nil {
		return deal, res, fmt.Errorf("insert update: %w", err)
	}
	err = e.Events.Append(ctx, tx, events.TypeDealUpdated, merged.Name, "update", updateID, opts.ActorID,
		events.EventPayload{"steps": len(merged.Process.Steps), "warnings": len(res.Warnings())})
	if err != nil {
		return deal, res, err
	}
	if err := tx.Commit(); err != nil {
		return deal, res, err
	}
	return merged, res, nil
}

func (e Engine) extractDocument(ctx context.Context, rawText string, existing domain.BuyingProcess) (domain.ProcessDocument, error) {
	var doc domain.ProcessDocument
	if e.Extractor == nil {
		return doc, errors.New("no extraction provider configured")
	}
	if rawText == "" {
		return doc, errors.New("update text is empty")
	}
	systemPrompt := ""
	if e.Config != nil {
		systemPrompt = e.Config.Extraction.SystemPrompt
	}
	messages, err := extract.BuildMessages(systemPrompt, rawText, &existing)
	if err != nil {
		return doc, err
	}
	reply, err := e.Extractor.Extract(ctx, messages)
	if err != nil {
		return doc, fmt.Errorf("extraction: %w", err)
	}
	if err := extract.ParseResponse(reply, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// DeleteDeal removes a deal and its history (cascade) and logs it.
func (e Engine) DeleteDeal(ctx context.Context, name, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteDeal(ctx, tx, name); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeDealDeleted, name, "deal", name, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// StepReadiness is one row of the readiness report.
type StepReadiness struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	Done   bool   `json:"done"`
}

// ReadinessReport summarizes completion gating across a deal.
type ReadinessReport struct {
	Deal      string          `json:"deal"`
	ClosedWon bool            `json:"closed_won"`
	Steps     []StepReadiness `json:"steps"`
}

// Readiness computes the gating view of a deal.
func (e Engine) Readiness(ctx context.Context, name string) (ReadinessReport, error) {
	deal, err := e.Repo.GetDeal(ctx, name)
	if err != nil {
		return ReadinessReport{}, err
	}
	report := ReadinessReport{
		Deal:      deal.Name,
		ClosedWon: deal.Process.ClosedWon(),
		Steps:     []StepReadiness{},
	}
	for _, s := range deal.Process.Steps {
		report.Steps = append(report.Steps, StepReadiness{
			Name:   s.Name,
			Status: s.Status,
			Ready:  deal.Process.StepReady(s.Name),
			Done:   s.Status == domain.StatusCompleted || s.Status == domain.StatusBypassed,
		})
	}
	return report, nil
}
