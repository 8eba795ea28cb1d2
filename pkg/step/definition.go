package step

import (
	"strings"

	"github.com/3leaps/cvflow/pkg/jobclient"
	"github.com/3leaps/cvflow/pkg/session"
)

// Definition parameterizes the orchestrator for one step of a flow.
type Definition struct {
	Flow string
	Name string

	// SessionKey names the stored identifier the step requires.
	// Default: session.KeySessionID
	SessionKey string

	Endpoints jobclient.Endpoints

	// Required lists form fields that must be non-blank.
	Required []string

	// Consents lists checkboxes that must be accepted.
	Consents []string

	// RequireFiles demands at least one uploaded file.
	RequireFiles bool

	// NextRoute is navigated to on success.
	NextRoute string

	// RestartRoute is the flow's first step, used after session expiry.
	RestartRoute string

	// NeedsResult fetches the result payload before navigating.
	NeedsResult bool

	// EstimatedDuration is shown while the job runs.
	EstimatedDuration string

	// NewResult allocates the value FetchResult decodes into.
	// Default: map[string]any
	NewResult func() any
}

// ID returns "flow/name".
func (d Definition) ID() string {
	return d.Flow + "/" + d.Name
}

func (d Definition) sessionKey() string {
	if d.SessionKey == "" {
		return session.KeySessionID
	}
	return d.SessionKey
}

func (d Definition) newResult() any {
	if d.NewResult != nil {
		return d.NewResult()
	}
	m := map[string]any{}
	return &m
}

// Validate checks form against the step's field, consent and upload
// requirements. It returns nil or a *ValidationError.
func (d Definition) Validate(form Form) error {
	errs := map[string]string{}
	for _, name := range d.Required {
		if strings.TrimSpace(form.Fields[name]) == "" {
			errs[name] = "is required"
		}
	}
	for _, name := range d.Consents {
		if !form.Consents[name] {
			errs[name] = "must be accepted"
		}
	}
	if d.RequireFiles && len(form.Files) == 0 {
		errs["files"] = "requires at least one file"
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func (d Definition) payload(form Form) jobclient.Payload {
	fields := make(map[string]any, len(form.Fields)+len(form.Consents))
	for k, v := range form.Fields {
		fields[k] = v
	}
	for k, v := range form.Consents {
		fields[k] = v
	}
	return jobclient.Payload{Fields: fields, Files: form.Files}
}
