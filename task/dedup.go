package task

import "time"

// DedupEntry maps a request's PropertiesHash to the completed run it can
// be satisfied from, bounded by a configurable retention TTL.
type DedupEntry struct {
	PropertiesHash [32]byte
	RunRef         RunID
	CompletedTS    time.Time
	ExitCode       int32
}
