package worker

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/gateway"
	"github.com/fyrsmithlabs/errwatch/internal/logging"
	"github.com/fyrsmithlabs/errwatch/internal/metrics"
	"github.com/fyrsmithlabs/errwatch/internal/notify"
	"github.com/fyrsmithlabs/errwatch/internal/remediation"
	"github.com/fyrsmithlabs/errwatch/internal/store"
)

func (w *Worker) generatePR(ctx context.Context, r *store.ErrorReport, details gateway.ErrorDetails, a *gateway.Analysis) {
	log := logging.Ctx(ctx, w.logger)

	generated, err := w.analyzer.GenerateCommitMessage(ctx, gateway.CommitContext{
		ErrorHash: r.ErrorHash,
		ErrorType: r.ErrorType,
		Message:   r.Message,
		Component: r.Component,
		RootCause: a.RootCause,
		Files:     a.RelatedFiles,
	})
	if err != nil {
		log.Warn("commit message generation failed, using default", zap.Error(err))
		generated = ""
	}
	msg := remediation.ParseCommitMessage(generated, remediation.DefaultCommitMessage(r.ErrorHash))
	if msg.Footer == "" {
		msg.Footer = "Error-Hash: " + r.ErrorHash
	}

	action := w.newAction(r, config.ActionGeneratePR, a)
	action.CommitMessage = msg.String()
	if generated == "" {
		// no generated message; the default is used for the commit only
		action.CommitMessage = ""
	}
	stored, err := w.store.UpsertAction(ctx, action)
	if err != nil {
		log.Error("failed to record action", zap.Error(err))
		return
	}

	if w.remediator == nil {
		stored.ActionStatus = store.ActionSkipped
		stored.Detail = "remediation workflow not configured"
		w.finishAction(ctx, r, stored)
		return
	}

	note := renderNote(r, a)
	files := w.fixFiles(ctx, r, details, a)
	if len(files) == 0 {
		files = []remediation.FileChange{{Path: w.notePath(r.ErrorHash), Content: []byte(note)}}
	}

	res, err := w.remediator.Execute(ctx, remediation.Request{
		ErrorHash:  r.ErrorHash,
		Files:      files,
		Message:    msg,
		ReviewBody: note,
	})
	if res != nil {
		stored.Branch = res.Branch
		stored.CommitSHA = res.Commit
		if res.ReviewRequest != nil {
			stored.ReviewURL = res.ReviewRequest.URL
		}
		stored.Detail = strings.Join(append(append([]string{}, res.Skipped...), res.Errors...), "; ")
	}
	if err != nil {
		log.Error("remediation workflow failed", zap.Error(err))
		stored.ActionStatus = store.ActionFailed
		stored.Detail = err.Error()
	} else {
		stored.ActionStatus = store.ActionCompleted
	}
	w.finishAction(ctx, r, stored)
}

// fixFiles asks for a concrete code change when apply_fixes is on and the
// analysis points at exactly one file. It returns nil when no usable fix
// is produced.
func (w *Worker) fixFiles(ctx context.Context, r *store.ErrorReport, details gateway.ErrorDetails, a *gateway.Analysis) []remediation.FileChange {
	if !w.cfg.ApplyFixes || len(a.RelatedFiles) != 1 {
		return nil
	}
	fix, err := w.analyzer.GenerateFix(ctx, details, a)
	if err != nil {
		logging.Ctx(ctx, w.logger).Warn("fix generation failed, committing analysis note", zap.Error(err))
		return nil
	}
	if fix.Fallback || strings.TrimSpace(fix.FixedCode) == "" {
		return nil
	}
	target := a.RelatedFiles[0]
	if fix.FilePath != "" && fix.FilePath != target {
		logging.Ctx(ctx, w.logger).Warn("fix targets a different file than the analysis, ignoring",
			zap.String("analysis_file", target),
			zap.String("fix_file", fix.FilePath),
		)
		return nil
	}
	return []remediation.FileChange{
		{Path: target, Content: []byte(fix.FixedCode)},
		{Path: w.notePath(r.ErrorHash), Content: []byte(renderNote(r, a) + renderFixNote(fix))},
	}
}

func (w *Worker) createTicket(ctx context.Context, r *store.ErrorReport, a *gateway.Analysis) {
	log := logging.Ctx(ctx, w.logger)
	ticket := &store.Ticket{
		ID:            TicketID(w.cfg.Actions.Ticketing.System, r.ErrorHash),
		ErrorReportID: r.ID,
		System:        w.cfg.Actions.Ticketing.System,
		Title:         ticketTitle(r),
		Body:          renderNote(r, a),
		Labels:        w.cfg.Actions.Ticketing.Labels,
		CreatedAt:     w.now(),
	}

	action := w.newAction(r, config.ActionCreateTicket, a)
	action.TicketID = ticket.ID

	if err := w.store.CreateTicket(ctx, ticket); err != nil {
		log.Error("failed to create ticket", zap.String("ticket.id", ticket.ID), zap.Error(err))
		action.ActionStatus = store.ActionFailed
		action.Detail = err.Error()
	} else {
		action.ActionStatus = store.ActionCompleted
		log.Info("ticket created", zap.String("ticket.id", ticket.ID))
		w.publish(notify.KindTicketCreated, r, map[string]any{"ticket_id": ticket.ID})
	}
	w.finishAction(ctx, r, action)
}

func (w *Worker) logOnly(ctx context.Context, r *store.ErrorReport, a *gateway.Analysis) {
	logging.Ctx(ctx, w.logger).Info("low confidence analysis recorded",
		zap.Float64("confidence", a.Confidence),
		zap.String("root_cause", a.RootCause),
	)
	action := w.newAction(r, config.ActionLogOnly, a)
	action.ActionStatus = store.ActionCompleted
	w.finishAction(ctx, r, action)
}

func (w *Worker) newAction(r *store.ErrorReport, actionType string, a *gateway.Analysis) *store.ErrorAction {
	return &store.ErrorAction{
		ErrorReportID:   r.ID,
		ActionType:      actionType,
		ActionStatus:    store.ActionPending,
		Recommendation:  recommendation(a),
		ConfidenceScore: a.Confidence,
		RelatedFiles:    a.RelatedFiles,
	}
}

// finishAction persists the final action state and announces it.
func (w *Worker) finishAction(ctx context.Context, r *store.ErrorReport, a *store.ErrorAction) {
	stored, err := w.store.UpsertAction(ctx, a)
	if err != nil {
		logging.Ctx(ctx, w.logger).Error("failed to record action", zap.String("action", a.ActionType), zap.Error(err))
		return
	}
	metrics.ObserveAction(stored.ActionType, stored.ActionStatus)
	w.publish(notify.KindActionCreated, r, map[string]any{
		"action_id":   stored.ID,
		"action_type": stored.ActionType,
		"status":      stored.ActionStatus,
		"ticket_id":   stored.TicketID,
		"branch":      stored.Branch,
		"review_url":  stored.ReviewURL,
	})
	w.auditEntry(r, "action", stored.ActionStatus, stored.ActionType, map[string]any{
		"action_id":  stored.ID,
		"confidence": stored.ConfidenceScore,
	})
}

func (w *Worker) notePath(errorHash string) string {
	h := errorHash
	if len(h) > 8 {
		h = h[:8]
	}
	return path.Join(w.cfg.NotesDir, h+".md")
}

func recommendation(a *gateway.Analysis) string {
	if len(a.SuggestedFixes) > 0 {
		return strings.Join(a.SuggestedFixes, "\n")
	}
	return a.RootCause
}

func ticketTitle(r *store.ErrorReport) string {
	msg := r.Message
	if len([]rune(msg)) > 80 {
		msg = string([]rune(msg)[:77]) + "..."
	}
	return fmt.Sprintf("[%s] %s: %s", r.Service, r.ErrorType, msg)
}

func renderNote(r *store.ErrorReport, a *gateway.Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s in %s\n\n", r.ErrorType, r.Component)
	fmt.Fprintf(&b, "- Error hash: `%s`\n", r.ErrorHash)
	fmt.Fprintf(&b, "- Service: %s\n", r.Service)
	fmt.Fprintf(&b, "- Severity: %s\n", r.Severity)
	fmt.Fprintf(&b, "- Occurrences: %d\n", r.OccurrenceCount)
	fmt.Fprintf(&b, "- Confidence: %.2f\n\n", a.Confidence)
	fmt.Fprintf(&b, "## Message\n\n%s\n\n", r.Message)
	fmt.Fprintf(&b, "## Root cause\n\n%s\n", a.RootCause)
	if len(a.SuggestedFixes) > 0 {
		b.WriteString("\n## Suggested fixes\n\n")
		for _, f := range a.SuggestedFixes {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(a.RelatedFiles) > 0 {
		b.WriteString("\n## Related files\n\n")
		for _, f := range a.RelatedFiles {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}

func renderFixNote(f *gateway.Fix) string {
	var b strings.Builder
	if f.Explanation != "" {
		fmt.Fprintf(&b, "\n## Applied fix\n\n%s\n", f.Explanation)
	}
	if len(f.TestCases) > 0 {
		b.WriteString("\n## Suggested tests\n\n")
		for _, tc := range f.TestCases {
			fmt.Fprintf(&b, "- %s\n", tc)
		}
	}
	return b.String()
}
