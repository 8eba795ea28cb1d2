package step

import (
	"github.com/3leaps/cvflow/pkg/poller"
	"github.com/3leaps/cvflow/pkg/upload"
)

// View receives every user-visible effect of a step.
//
// Calls arrive from the submitting goroutine and from poll callbacks, one
// at a time. No call is made after Orchestrator.Unmount returns.
type View interface {
	SetFormEnabled(enabled bool)
	ShowLoading(message string)
	HideLoading()
	ShowStatus(text string, r poller.Reading)
	ShowFieldErrors(errs map[string]string)
	ShowError(message string)
	ClearError()
	Navigate(route string, result any)
}

// Form is the user input for one submission. It is never modified.
type Form struct {
	Fields   map[string]string
	Consents map[string]bool
	Files    []upload.File
}

// NopView discards every effect.
type NopView struct{}

func (NopView) SetFormEnabled(bool) {}
func (NopView) ShowLoading(string) {}
func (NopView) HideLoading() {}
func (NopView) ShowStatus(string, poller.Reading) {}
func (NopView) ShowFieldErrors(map[string]string) {}
func (NopView) ShowError(string) {}
func (NopView) ClearError() {}
func (NopView) Navigate(string, any) {}

var _ View = NopView{}
