package pipeline

import "fmt"

type Stage string

const (
	StageReceive    Stage = "receive"
	StageDecode     Stage = "decode"
	StageDownload   Stage = "download"
	StageVerify     Stage = "verify"
	StageExecute    Stage = "execute"
	StageUpload     Stage = "upload"
	StageCommit     Stage = "commit"
	StageDeadLetter Stage = "deadletter"
)

// StageError reports the stage at which processing of a request stopped. The
// request it names was left uncommitted.
type StageError struct {
	Stage     Stage
	MessageID string
	InputFile string
	Err       error
}

func (e *StageError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed for message %s (input %q): %v", e.Stage, e.MessageID, e.InputFile, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
