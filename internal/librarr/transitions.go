package librarr

// transitions is the job state machine. A missing entry means the
// transition is rejected. The zero JobStatus ("") stands for a job that
// does not exist yet.
var transitions = map[JobStatus]map[JobStatus]struct{}{
	"": statusSet(
		JobStatusQueued, JobStatusSearching, JobStatusDownloading, JobStatusImporting,
		JobStatusRetryWait, JobStatusCompleted, JobStatusError, JobStatusDeadLetter,
	),
	JobStatusQueued: statusSet(
		JobStatusSearching, JobStatusDownloading, JobStatusImporting,
		JobStatusCompleted, JobStatusRetryWait, JobStatusError, JobStatusDeadLetter,
	),
	JobStatusSearching: statusSet(
		JobStatusQueued, JobStatusDownloading, JobStatusCompleted,
		JobStatusRetryWait, JobStatusError, JobStatusDeadLetter,
	),
	JobStatusDownloading: statusSet(
		JobStatusImporting, JobStatusCompleted, JobStatusRetryWait,
		JobStatusError, JobStatusDeadLetter,
	),
	JobStatusImporting: statusSet(
		JobStatusCompleted, JobStatusRetryWait, JobStatusError, JobStatusDeadLetter,
	),
	JobStatusRetryWait: statusSet(
		JobStatusQueued, JobStatusError, JobStatusDeadLetter,
	),
	JobStatusError: statusSet(
		JobStatusQueued, JobStatusRetryWait, JobStatusDeadLetter,
	),
	// Manual operator retry only.
	JobStatusDeadLetter: statusSet(JobStatusQueued),
	// Terminal.
	JobStatusCompleted: {},
}

func statusSet(statuses ...JobStatus) map[JobStatus]struct{} {
	set := make(map[JobStatus]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

// TransitionAllowed reports whether the state machine permits moving a job
// from one status to another.
func TransitionAllowed(from, to JobStatus) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// IsTerminalStatus reports whether a job in the given status has finished,
// successfully or not.
func IsTerminalStatus(status JobStatus) bool {
	switch status {
	case JobStatusCompleted, JobStatusError, JobStatusDeadLetter:
		return true
	default:
		return false
	}
}

// IsInProgressStatus reports whether the status represents in-flight work
// that cannot survive a process restart.
func IsInProgressStatus(status JobStatus) bool {
	switch status {
	case JobStatusQueued, JobStatusSearching, JobStatusDownloading, JobStatusImporting:
		return true
	default:
		return false
	}
}
