// Package formsave implements the form save engine.
//
// A save moves through observable states:
//
//	ChangeReasonRequired -> WaitingToSave -> Saving -> Saved | SaveError | FinalizeError | ConstraintError
//
// SaveForm flushes the session's audit log, suspends in ChangeReasonRequired
// when an edited finalized instance needs a reason (resumed by ResumeSave),
// waits for a background audio recording to stop when the user is leaving
// the form (resumed by the recorder callback), and then writes the instance
// on a scheduler task. The write validates answers when finalizing, replaces
// the instance XML atomically, updates the instance row and encrypts the
// instance when the form carries a public key.
//
// Only one save runs at a time: SaveForm returns false while a save is
// waiting or in progress.
package formsave
