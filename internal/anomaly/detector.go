// Package anomaly implements the pre-trained ensemble anomaly detector:
// feature extraction plus a frozen standard-scale → PCA → (isolation-forest
// + one-class SVM) inference pipeline.
package anomaly

import (
	"fmt"
	"sort"
	"strings"
)

// minSyscallWindow is the short-lived-process noise gate: below this many
// recent syscalls the detector returns a zero verdict outright.
const minSyscallWindow = 15

// Result is the detector's verdict for one process at one point in time.
type Result struct {
	Score       float64 // normalized to [0, 100]
	IsAnomaly   bool
	Confidence  float64 // [0, 1]
	Explanation string
}

// Detector wraps a loaded Model. The zero value is a valid, permanently
// un-fitted detector: every call to Infer returns a zero Result, which is
// the required fallback when a model fails to load.
type Detector struct {
	model *Model
}

// NewDetector constructs a Detector from a model path. A load failure is
// returned to the caller for logging, but the returned Detector is still
// safe to use — it behaves as an un-fitted detector, per the requirement
// that inference failures never take the rest of the agent down.
func NewDetector(modelPath string) (*Detector, error) {
	if modelPath == "" {
		return &Detector{}, nil
	}
	m, err := LoadModel(modelPath)
	if err != nil {
		return &Detector{}, err
	}
	return &Detector{model: m}, nil
}

// Fitted reports whether a usable model is loaded.
func (d *Detector) Fitted() bool {
	return d.model != nil
}

// Infer runs the full inference pipeline over the recent syscall window and
// resource snapshot. With fewer than minSyscallWindow syscalls, or when the
// detector is un-fitted, it returns a zero Result without touching the
// model.
func (d *Detector) Infer(recentSyscalls []string, res ResourceScalars) Result {
	if len(recentSyscalls) < minSyscallWindow || d.model == nil {
		return Result{}
	}

	features := Extract(recentSyscalls, res)
	scaled := d.model.scale(features)
	projected := d.model.project(scaled)

	forestMargin := d.model.forestMargin(projected)
	svmMargin := d.model.svmMargin(projected)

	forestScore := normalize(forestMargin, d.model.ForestMargin)
	svmScore := normalize(svmMargin, d.model.SVMMargin)
	avgScore := (forestScore + svmScore) / 2

	forestFlag := forestScore >= 50
	svmFlag := svmScore >= 50
	isAnomaly := (forestFlag && svmFlag) || avgScore >= d.model.AnomalyThreshold

	confidence := confidenceFrom(forestMargin, svmMargin)

	return Result{
		Score:       avgScore,
		IsAnomaly:   isAnomaly,
		Confidence:  confidence,
		Explanation: explain(recentSyscalls),
	}
}

func (m *Model) scale(v Vector) Vector {
	var out Vector
	for i := range v {
		scale := m.ScalerScale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v[i] - m.ScalerMean[i]) / scale
	}
	return out
}

func (m *Model) project(v Vector) []float64 {
	out := make([]float64, len(m.PCAComponents))
	for i, row := range m.PCAComponents {
		var sum float64
		for j, coef := range row {
			centered := v[j]
			if len(m.PCAMean) == FeatureDim {
				centered -= m.PCAMean[j]
			}
			sum += coef * centered
		}
		out[i] = sum
	}
	return out
}

// forestMargin approximates an isolation-forest anomaly margin as the mean
// absolute distance of the projected sample from each tree's per-axis split
// thresholds, scaled by the model's trained depth-normalization constant.
func (m *Model) forestMargin(projected []float64) float64 {
	if len(m.ForestSplits) == 0 {
		return 0
	}
	var total float64
	for _, splits := range m.ForestSplits {
		var treeSum float64
		for axis, threshold := range splits {
			if axis >= len(projected) {
				continue
			}
			treeSum += abs(projected[axis] - threshold)
		}
		total += treeSum
	}
	mean := total / float64(len(m.ForestSplits))
	scale := m.ForestDepthScale
	if scale == 0 {
		scale = 1
	}
	return mean * scale
}

// svmMargin evaluates the frozen linear decision function w·x - rho.
func (m *Model) svmMargin(projected []float64) float64 {
	var dot float64
	for i, w := range m.SVMWeights {
		if i >= len(projected) {
			break
		}
		dot += w * projected[i]
	}
	return dot - m.SVMRho
}

// normalize rescales a raw margin into [0, 100] using the training-time
// min/max range, clamping out-of-range inputs.
func normalize(raw float64, r MinMax) float64 {
	span := r.Max - r.Min
	if span <= 0 {
		return 0
	}
	pct := (raw - r.Min) / span * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// confidenceFrom rescales the combined absolute margin distance from the
// decision boundary into [0, 1].
func confidenceFrom(forestMargin, svmMargin float64) float64 {
	combined := (abs(forestMargin) + abs(svmMargin)) / 2
	c := combined / (combined + 1)
	if c > 1 {
		return 1
	}
	return c
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// explain lists the top three syscalls in the window, flagging any that are
// in the high-risk vocabulary.
func explain(recentSyscalls []string) string {
	counts := make(map[string]int)
	for _, sc := range recentSyscalls {
		counts[strings.ToLower(sc)]++
	}
	type kv struct {
		name  string
		count int
	}
	top := make([]kv, 0, len(counts))
	for name, count := range counts {
		top = append(top, kv{name, count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].count != top[j].count {
			return top[i].count > top[j].count
		}
		return top[i].name < top[j].name
	})
	if len(top) > 3 {
		top = top[:3]
	}

	names := make([]string, len(top))
	var risky []string
	for i, e := range top {
		names[i] = e.name
		if isHighRiskName(e.name) {
			risky = append(risky, e.name)
		}
	}

	base := fmt.Sprintf("top recent syscalls: %s", strings.Join(names, ", "))
	if len(risky) > 0 {
		base += fmt.Sprintf(" (high-risk: %s)", strings.Join(risky, ", "))
	}
	return base
}

var highRiskVocab = map[string]bool{
	"ptrace": true, "setuid": true, "setgid": true, "chroot": true,
	"mount": true, "umount": true, "execve": true, "clone": true,
	"fork": true, "chmod": true, "chown": true, "unlink": true, "rename": true,
}

func isHighRiskName(name string) bool {
	return highRiskVocab[name]
}
