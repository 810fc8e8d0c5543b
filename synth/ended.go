package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/bazelment/yoloswe/agentd/tracker"
	"github.com/bazelment/yoloswe/agentd/universal"
)

// Exit describes how the backing process (or session) went away.
type Exit struct {
	// Err is the wait error, if any.
	Err error
	// Stderr is the capture of the process's stderr, may be nil.
	Stderr *StderrCapture
	// Code is the exit code, nil when the process was not observed exiting.
	Code *int
	// Message overrides the inferred message.
	Message string
	// Terminated is true when the daemon ended the session on request.
	Terminated bool
}

// ExitCode is a helper for building Exit values.
func ExitCode(code int) *int { return &code }

// InferReason maps an exit to the session end reason.
func InferReason(x Exit, turnPending bool) universal.EndReason {
	switch {
	case x.Terminated:
		return universal.EndTerminated
	case x.Code != nil && *x.Code == 0 && x.Err == nil && !turnPending:
		return universal.EndCompleted
	default:
		return universal.EndError
	}
}

// Ended emits session.ended unless the session already ended. Items left
// open are failed and an open turn is closed first so every item history
// ends in exactly one completion.
func (e *Emitter) Ended(x Exit) error {
	return e.do(func(tx *tracker.Txn) error {
		if tx.Ended() {
			return nil
		}
		if err := e.ensureStarted(tx); err != nil {
			return err
		}
		turnPending := tx.TurnOpen()
		reason := InferReason(x, turnPending)

		for _, key := range tx.OpenItemKeys() {
			if _, err := tx.CompleteItem(key, universal.StatusFailed, nil, tracker.FromDaemon()); err != nil {
				return err
			}
		}
		if turnPending {
			status := universal.TurnFailed
			if reason == universal.EndTerminated {
				status = universal.TurnAborted
			}
			if _, err := tx.Emit(universal.EventTurnEnded, universal.TurnData{TurnID: tx.TurnID(), Status: status}, tracker.FromDaemon()); err != nil {
				return err
			}
		}

		data := universal.SessionEndedData{
			Reason:   reason,
			ExitCode: x.Code,
			Message:  x.Message,
		}
		if reason == universal.EndError {
			if x.Stderr != nil {
				data.Stderr = x.Stderr.Output()
			}
			if data.Message == "" {
				data.Message = exitMessage(x, turnPending)
			}
		}
		_, err := tx.Emit(universal.EventSessionEnded, data, tracker.FromDaemon())
		return err
	})
}

func exitMessage(x Exit, turnPending bool) string {
	switch {
	case x.Err != nil && x.Code == nil:
		return x.Err.Error()
	case x.Code != nil && *x.Code != 0:
		return fmt.Sprintf("agent exited with code %d", *x.Code)
	case turnPending:
		return "agent exited with a turn in progress"
	default:
		return "agent exited unexpectedly"
	}
}

// HashRaw returns the hex SHA-256 of a raw payload.
func HashRaw(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
