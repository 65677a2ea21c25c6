package anomaly

import (
	"math"
	"strings"
)

// FeatureDim is the fixed feature-vector dimension. Any serialized model
// must have been trained against vectors of exactly this length.
const FeatureDim = 50

// vocabulary is the fixed, ordered list of canonical syscalls that get their
// own frequency slot. Its order and length must never change without
// bumping the model schema version, since a trained model's weights are
// positional.
var vocabulary = [...]string{
	"read", "write", "open", "openat", "close", "mmap", "munmap", "brk",
	"execve", "clone", "fork", "wait4", "exit", "exit_group",
	"socket", "connect", "sendto", "sendmsg", "recvfrom", "recvmsg",
	"bind", "listen", "accept",
	"ptrace", "setuid", "setgid", "chmod", "chown", "mount", "chroot",
}

var vocabIndex = func() map[string]int {
	m := make(map[string]int, len(vocabulary))
	for i, s := range vocabulary {
		m[s] = i
	}
	return m
}()

// otherSlot is the index immediately after the vocabulary for the folded
// "unknown syscall" bucket.
const otherSlot = len(vocabulary)

// ResourceScalars are the three resource-usage numbers folded into the
// feature vector, each assumed pre-scaled to roughly [0, 1] by the caller
// (percent values divided by 100, thread counts divided by a cap).
type ResourceScalars struct {
	CPU     float64
	Memory  float64
	Threads float64
}

// Vector is the fixed-dimension feature vector the scaler/PCA/model chain
// consumes.
type Vector [FeatureDim]float64

// Extract builds a Vector from the recent syscall window and a resource
// snapshot. The layout is: per-vocabulary-syscall frequency, an "other"
// frequency bucket, bigram-diversity and unique-count summaries,
// sequence-length and entropy summaries, three resource scalars, and
// trailing padding zeros reserved for future schema growth.
func Extract(recentSyscalls []string, res ResourceScalars) Vector {
	var v Vector
	n := len(recentSyscalls)
	if n == 0 {
		return v
	}

	counts := make(map[string]int, len(vocabulary)+1)
	for _, sc := range recentSyscalls {
		counts[strings.ToLower(sc)]++
	}

	for syscall, idx := range vocabIndex {
		v[idx] = float64(counts[syscall]) / float64(n)
	}
	var otherCount int
	for sc, c := range counts {
		if _, known := vocabIndex[sc]; !known {
			otherCount += c
		}
	}
	v[otherSlot] = float64(otherCount) / float64(n)

	bigrams := make(map[string]struct{})
	for i := 1; i < n; i++ {
		bigrams[recentSyscalls[i-1]+"|"+recentSyscalls[i]] = struct{}{}
	}
	bigramDiversitySlot := otherSlot + 1
	if n > 1 {
		v[bigramDiversitySlot] = float64(len(bigrams)) / float64(n-1)
	}

	uniqueSlot := otherSlot + 2
	v[uniqueSlot] = float64(len(counts)) / float64(n)

	lengthSlot := otherSlot + 3
	v[lengthSlot] = math.Min(float64(n)/100.0, 1.0)

	entropySlot := otherSlot + 4
	v[entropySlot] = entropy(counts, n) / math.Log2(float64(len(vocabulary)+1))

	resourceStart := otherSlot + 5
	v[resourceStart] = clamp01(res.CPU)
	v[resourceStart+1] = clamp01(res.Memory)
	v[resourceStart+2] = clamp01(res.Threads)

	return v
}

func entropy(counts map[string]int, n int) float64 {
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
