package common

// noopFlusher satisfies LogFlusher for pools that run without a log
// (offline tools, tests). It reports everything durable so the
// write-ahead check always passes.
type noopFlusher struct{}

var _ LogFlusher = noopFlusher{}

func NoLogs() LogFlusher {
	return noopFlusher{}
}

func (noopFlusher) Flush(LSN) error { return nil }

func (noopFlusher) DurableLSN() LSN { return MaxLSN }
