package sampler

import "fmt"

// Progress derives the target, completion percentage and remaining blocks
// from an effective head. A non-zero fixed target wins over the node-reported
// ceiling; otherwise the target is the reported highest block, floored at the
// effective head so older clients reporting highestBlock=0 still show a
// meaningful curve.
func Progress(effectiveHead, fixedTarget, reportedHighest uint64) (target uint64, percent float64, remaining uint64) {
	if fixedTarget != 0 {
		target = fixedTarget
	} else {
		target = max64(reportedHighest, effectiveHead)
	}
	if target > 0 {
		percent = float64(effectiveHead) * 100.0 / float64(target)
	}
	if target > effectiveHead {
		remaining = target - effectiveHead
	}
	return target, percent, remaining
}

// FormatProgress renders the human-readable progress label used by dashboard
// stat panels.
func FormatProgress(current, target uint64) string {
	if target == 0 {
		return "0/0 (0.0%)"
	}
	return fmt.Sprintf("%d/%d (%.1f%%)", current, target, float64(current)*100.0/float64(target))
}
