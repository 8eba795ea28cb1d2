package step

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/cvflow/pkg/session"
)

func TestDefinition_Defaults(t *testing.T) {
	d := Definition{Flow: "candidate", Name: "step5"}
	assert.Equal(t, "candidate/step5", d.ID())
	assert.Equal(t, session.KeySessionID, d.sessionKey())

	d.SessionKey = session.KeyCandidateID
	assert.Equal(t, session.KeyCandidateID, d.sessionKey())

	r, ok := d.newResult().(*map[string]any)
	assert.True(t, ok)
	assert.NotNil(t, r)
}

func TestDefinition_Validate(t *testing.T) {
	d := Definition{Required: []string{"name"}, Consents: []string{"gdpr"}}

	assert.NoError(t, d.Validate(Form{
		Fields:   map[string]string{"name": "Ana"},
		Consents: map[string]bool{"gdpr": true},
	}))

	err := d.Validate(Form{Consents: map[string]bool{"gdpr": false}})
	assert.EqualError(t, err, "invalid form: gdpr must be accepted; name is required")
}

func TestState(t *testing.T) {
	for _, s := range []State{StateIdle, StateFailed} {
		assert.True(t, s.Accepting(), s)
	}
	for _, s := range []State{StateValidating, StateSubmitting, StatePolling, StateSucceeded, StateNavigated} {
		assert.False(t, s.Accepting(), s)
	}
	assert.True(t, StateNavigated.Resting())
	assert.False(t, StatePolling.Resting())
}
