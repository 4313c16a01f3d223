package voice

import "strings"

type transcriptState uint8

const (
	transcriptIdle transcriptState = iota
	transcriptInProgress
)

// transcript accumulates one speaker's fragments for the current turn.
//
// Deltas ("Hi", " there") are appended. Cumulative updates ("Hi",
// "Hi the", "Hi there") carry the whole turn so far and replace the held
// text. The source declares which one it sends.
type transcript struct {
	state transcriptState
	text  string
}

// Update folds fragment into the in-progress text and returns it. ok is
// false when the fragment adds nothing.
func (t *transcript) Update(fragment string, cumulative bool) (text string, ok bool) {
	if fragment == "" {
		return t.text, false
	}
	switch {
	case t.state == transcriptIdle:
		t.text = fragment
	case cumulative:
		if fragment == t.text {
			return t.text, false
		}
		t.text = fragment
	default:
		t.text += fragment
	}
	t.state = transcriptInProgress
	return t.text, true
}

// Finalize returns the accumulated text, if any, and resets to idle.
func (t *transcript) Finalize() (string, bool) {
	text := strings.TrimSpace(t.text)
	t.state, t.text = transcriptIdle, ""
	return text, text != ""
}

func (t *transcript) InProgress() bool {
	return t.state == transcriptInProgress
}
