package model

// Outcome is the terminal state of one gateway request.
type Outcome string

const (
	OutcomeCompleted              Outcome = "completed"
	OutcomeRejectedMissingHeaders Outcome = "rejected_missing_headers"
	OutcomeRejectedBadTarget      Outcome = "rejected_bad_target"
	OutcomeRejectedForbiddenHost  Outcome = "rejected_forbidden_host"
	OutcomeRejectedBadCredential  Outcome = "rejected_bad_credential"
	OutcomeFailedUpstream         Outcome = "failed_upstream"
	OutcomeAborted                Outcome = "aborted"
)

// Outcomes lists every Outcome, used to pre-register metric label values.
var Outcomes = []Outcome{
	OutcomeCompleted,
	OutcomeRejectedMissingHeaders,
	OutcomeRejectedBadTarget,
	OutcomeRejectedForbiddenHost,
	OutcomeRejectedBadCredential,
	OutcomeFailedUpstream,
	OutcomeAborted,
}
