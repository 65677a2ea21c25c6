package anomaly

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeModelFile(t *testing.T, m Model) string {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal model: %v", err)
	}
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
	return path
}

func TestLoadModelRejectsVersionMismatch(t *testing.T) {
	m := *identityModel()
	m.Version = 999
	path := writeModelFile(t, m)
	if _, err := LoadModel(path); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestLoadModelRejectsDimensionMismatch(t *testing.T) {
	m := *identityModel()
	m.FeatureDim = 1
	path := writeModelFile(t, m)
	if _, err := LoadModel(path); err == nil {
		t.Fatal("expected feature_dim mismatch error")
	}
}

func TestLoadModelAcceptsValidArtifact(t *testing.T) {
	path := writeModelFile(t, *identityModel())
	m, err := LoadModel(path)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if m.AnomalyThreshold != 60 {
		t.Fatalf("AnomalyThreshold = %v, want 60", m.AnomalyThreshold)
	}
}

func TestNewDetectorFallsBackToUnfittedOnLoadFailure(t *testing.T) {
	d, err := NewDetector(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("expected load error for missing file")
	}
	if d == nil || d.Fitted() {
		t.Fatal("expected a usable un-fitted detector despite load error")
	}
}

func TestNewDetectorEmptyPathIsUnfitted(t *testing.T) {
	d, err := NewDetector("")
	if err != nil {
		t.Fatalf("NewDetector(\"\"): %v", err)
	}
	if d.Fitted() {
		t.Fatal("empty model path should produce an un-fitted detector")
	}
}
