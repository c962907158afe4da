package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint hashes the parts of a plan that decide what would be
// dispatched: ordered tasks with their status and priority, and blocked
// tasks with their reason. Warnings are not included.
func Fingerprint(plan *SelectionPlan) string {
	h := sha256.New()
	for _, t := range plan.Ordered {
		fmt.Fprintf(h, "o|%s|%s|%d\n", t.ID, t.Status, t.Priority)
	}
	for _, b := range plan.Blocked {
		fmt.Fprintf(h, "b|%s|%s\n", b.Task.ID, b.Reason)
	}
	return hex.EncodeToString(h.Sum(nil))
}
