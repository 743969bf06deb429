// Package remediation drives the automated fix workflow against one git
// working copy: branch, commit, optional push, draft review request and an
// optional desktop hand-off.
//
// All operations on a Workflow are serialized; concurrent branch or commit
// operations against a single working copy would corrupt it.
//
// # Steps and failure handling
//
// Each step carries an errs.Severity:
//
//   - preconditions, branch creation and commit are critical: Execute
//     returns the error and stops.
//   - push and review request are high: the failure is recorded on the
//     Result and the run continues.
//   - desktop hand-off is low: logged only.
//
// A missing review CLI is not a failure. The step is listed in
// Result.Skipped with the reason.
//
// # Usage
//
//	wf, err := remediation.New(cfg.Workflow, cfg.GitHub, logger)
//	res, err := wf.Execute(ctx, remediation.Request{
//	    ErrorHash: report.ErrorHash,
//	    Files:     []remediation.FileChange{{Path: ".errwatch/fixes/a1b2c3d4.md", Content: note}},
//	    Message:   remediation.ParseCommitMessage(generated, fallback),
//	})
package remediation
