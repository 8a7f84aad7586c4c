package conn

// Recorder receives connection counters. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Ingested(bytes int)
	Rejected(reason string)
	BytesRead(n int)
	BytesWritten(n int)
	ReadTimeout()
	WriteFailed()
}

const (
	RejectBusy       = "busy"
	RejectToken      = "token_mismatch"
	RejectSender     = "unexpected_sender"
	RejectTooLarge   = "too_large"
	RejectNotReady   = "not_connected"
	RejectClosedConn = "closed"
)

type nopRecorder struct{}

func (nopRecorder) Ingested(int) {}
func (nopRecorder) Rejected(string) {}
func (nopRecorder) BytesRead(int) {}
func (nopRecorder) BytesWritten(int) {}
func (nopRecorder) ReadTimeout() {}
func (nopRecorder) WriteFailed() {}
