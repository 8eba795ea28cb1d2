// Package session guards the session identifiers that link the steps of a
// flow to backend-side progress.
//
// Session identifiers are session-scoped: they persist across process runs
// within one flow and are cleared when the flow restarts or the backend
// reports the session as gone.
package session

import (
	"errors"
	"fmt"
	"strings"
)

// Well-known session-scoped keys.
const (
	KeySessionID     = "session_id"
	KeyInterviewerID = "interviewer_id"
	KeyCandidateID   = "candidate_id"
	KeyReportCode    = "report_code"
)

// ErrMissingSession is matched by MissingSessionError via errors.Is.
var ErrMissingSession = errors.New("session not found")

// MissingSessionError reports that a required identifier is absent.
type MissingSessionError struct {
	Key string
}

func (e *MissingSessionError) Error() string {
	return fmt.Sprintf("no %s found; please restart from the first step of the flow", e.Key)
}

// Is supports errors.Is(err, ErrMissingSession).
func (e *MissingSessionError) Is(target error) bool {
	return target == ErrMissingSession
}

// IsMissing returns true if err indicates a missing session identifier.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissingSession)
}

// Store is session-scoped key/value storage.
//
// Implementations must be safe for concurrent use.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Clear() error
	All() (map[string]string, error)
}

// Guard validates and clears session identifiers held in a Store.
type Guard struct {
	store Store
}

func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

// RequireSession returns the identifier stored under key or a
// *MissingSessionError when it is absent or blank.
func (g *Guard) RequireSession(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("session key is required")
	}
	v, ok, err := g.store.Get(key)
	if err != nil {
		return "", fmt.Errorf("read session %s: %w", key, err)
	}
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return "", &MissingSessionError{Key: key}
	}
	return v, nil
}

// ClearSession removes key. Clearing an absent key is not an error.
func (g *Guard) ClearSession(key string) error {
	if err := g.store.Delete(strings.TrimSpace(key)); err != nil {
		return fmt.Errorf("clear session %s: %w", key, err)
	}
	return nil
}

// Remember stores value under key, typically from a flow's first step.
func (g *Guard) Remember(key, value string) error {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return fmt.Errorf("session key is required")
	}
	if value == "" {
		return fmt.Errorf("session value for %s is empty", key)
	}
	return g.store.Set(key, value)
}

// Restart clears every session-scoped key.
func (g *Guard) Restart() error {
	return g.store.Clear()
}

// Snapshot returns a copy of all stored identifiers.
func (g *Guard) Snapshot() (map[string]string, error) {
	return g.store.All()
}
