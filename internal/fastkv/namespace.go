package fastkv

import "fmt"

// Key helpers centralize the fast store's naming scheme so every package
// that touches Redis agrees on the same prefixes.

func AttemptKey(attemptID string) string { return fmt.Sprintf("attempt:%s", attemptID) }

func AttemptLockKey(attemptID string) string { return fmt.Sprintf("lock:attempt:%s", attemptID) }

func SubmitStatusKey(attemptID string) string { return fmt.Sprintf("submit:status:%s", attemptID) }

func SubmitResultKey(attemptID string) string { return fmt.Sprintf("submit:result:%s", attemptID) }

func IdentityKey(userID string) string { return fmt.Sprintf("identity:%s", userID) }

func EntitlementKey(userID, examID string) string {
	return fmt.Sprintf("entitlement:%s:%s", userID, examID)
}

func AdminLockKey(scope string) string { return fmt.Sprintf("lock:admin:%s", scope) }

func AnswerMirrorKey(attemptID, questionID string) string {
	return fmt.Sprintf("%s:answer:%s", AttemptKey(attemptID), questionID)
}

func RankingsKey(examID string) string { return fmt.Sprintf("rankings:%s", examID) }

// AttemptCacheFamily is the set of derived fast-store keys a completed or
// deleted attempt touches: the attempt projection itself, its timer entry,
// its per-question answer mirrors, the exam's rankings list, and the
// candidate's per-user categorized-exam view. Grading completion (normal or
// admin-triggered) invalidates the same family so neither path leaves the
// other's stale entries behind.
//
// It deliberately excludes submit:status/submit:result: the grader writes
// those itself as the resubmission-idempotency cache in the same breath it
// calls this, and admin's force-complete/recalculate/delete paths want them
// cleared too (no fresher value exists to protect), so admin callers fold
// SubmitStatusKey/SubmitResultKey into their own Del alongside this family.
func AttemptCacheFamily(attemptID, examID, userID string, questionIDs []string, shardBuckets int) []string {
	keys := []string{
		AttemptKey(attemptID),
		AttemptKey(attemptID) + ":timer",
		RankingsKey(examID),
	}
	for _, qid := range questionIDs {
		keys = append(keys, AnswerMirrorKey(attemptID, qid))
	}
	if userID != "" {
		keys = append(keys, ShardKey("categorized", userID, shardBuckets))
	}
	return keys
}

const (
	QueueExamSubmissions = "queue:exam_submissions"
	QueueAnalyticsUpdate = "queue:analytics_update"
	QueueAnswerUpdates   = "queue:answer_updates"
	QueueTimedOut        = "queue:timed_out"
)
