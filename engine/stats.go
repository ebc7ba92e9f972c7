package engine

import "github.com/outofforest/quantum/xct"

// Stats aggregates the per-worker abort counters of SPEC_FULL §10, named
// explicitly in spec.md §7's "User-visible failure behavior" but left
// unspecified as an aggregation path there.
type Stats struct {
	RaceAborts          uint64
	LargeReadSetAborts  uint64
	UserRequestedAborts uint64
	UnexpectedAborts    uint64
}

// recordResult folds one completed worker.Session's result into s, keyed by
// xct.ErrorKind. Non-abort errors (IOError, LogFileCorrupt, NoFreeWorker,
// ReadSetOverflow, WriteSetOverflow) are not counted here: they are surfaced
// to the caller directly rather than retried, so they don't need an engine-
// level running counter the way the locally-retryable kinds do.
func (s *Stats) recordResult(err error) {
	xerr, ok := err.(*xct.Error)
	if !ok {
		return
	}
	switch xerr.Kind {
	case xct.RaceAbort:
		s.RaceAborts++
	case xct.LargeReadSetAbort:
		s.LargeReadSetAborts++
	case xct.UserRequestedAbort:
		s.UserRequestedAborts++
	case xct.UnexpectedAbort:
		s.UnexpectedAborts++
	}
}
