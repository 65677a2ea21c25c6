// Package risk implements the pure, stateless rule-based risk scorer.
package risk

import "strings"

// ResourceSnapshot is the optional per-process resource usage the scorer
// folds into its weighting; zero values are treated as "unknown", not
// "zero usage".
type ResourceSnapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	NumThreads    int
}

// anomalyContributionScale converts a 0-100 anomaly score into its risk
// contribution: an anomaly score of 100 contributes roughly 30 points.
const anomalyContributionScale = 0.30

// weights assigns a per-syscall contribution. Syscalls commonly associated
// with privilege escalation, process injection, and tampering carry
// positive weight; ordinary file I/O is near-zero.
var weights = map[string]float64{
	"ptrace":  18,
	"setuid":  15,
	"setgid":  12,
	"chmod":   8,
	"chown":   8,
	"mount":   14,
	"umount":  10,
	"execve":  6,
	"clone":   4,
	"fork":    3,
	"chroot":  16,
	"unlink":  5,
	"rename":  4,
	"connect": 2,
	"socket":  1,
	"open":    0.2,
	"openat":  0.2,
	"read":    0.05,
	"write":   0.05,
	"close":   0.02,
	"mmap":    0.3,
}

const defaultWeight = 0.1

// Score computes the rule-based risk for a process given its recent
// syscalls, an optional resource snapshot, and the current anomaly score.
// The result is clipped to [0, 100]. Score is deterministic and
// side-effect-free.
func Score(recentSyscalls []string, res ResourceSnapshot, anomalyScore float64) float64 {
	var total float64
	for _, sc := range recentSyscalls {
		total += weightFor(sc)
	}

	total += resourceContribution(res)
	total += anomalyScore * anomalyContributionScale

	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	return total
}

func weightFor(syscall string) float64 {
	if w, ok := weights[strings.ToLower(syscall)]; ok {
		return w
	}
	return defaultWeight
}

// resourceContribution adds a small bonus for processes under heavy
// resource pressure, which often accompanies brute-force or flooding
// behavior. It is intentionally a minor factor next to syscall weighting.
func resourceContribution(res ResourceSnapshot) float64 {
	var bonus float64
	if res.CPUPercent > 80 {
		bonus += 3
	}
	if res.MemoryPercent > 80 {
		bonus += 2
	}
	if res.NumThreads > 200 {
		bonus += 2
	}
	return bonus
}

// HighRiskSyscalls lists the syscalls the alert gate calls out explicitly
// in alert explanations.
var HighRiskSyscalls = []string{
	"ptrace", "setuid", "setgid", "chroot", "mount", "umount",
	"execve", "clone", "fork", "chmod", "chown", "unlink", "rename",
}

// IsHighRisk reports whether syscall is in the high-risk vocabulary.
func IsHighRisk(syscall string) bool {
	lower := strings.ToLower(syscall)
	for _, s := range HighRiskSyscalls {
		if s == lower {
			return true
		}
	}
	return false
}
