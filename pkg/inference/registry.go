package inference

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Model types served by the scorer.
const (
	ModelRisk    = "risk"
	ModelAnomaly = "anomaly"
)

// Model sources reported on the status endpoint.
const (
	SourceHeuristic = "heuristic"
	SourceArtifact  = "artifact"
)

// ModelStatus describes one loaded model.
type ModelStatus struct {
	ModelType string    `json:"model_type"`
	Version   string    `json:"version"`
	FileHash  string    `json:"file_hash,omitempty"`
	LoadedAt  time.Time `json:"loaded_at"`
	Source    string    `json:"source"`
}

// StatusResponse is the models status payload. FallbackActive is true
// while any model type runs on the built-in heuristic instead of a loaded
// artifact.
type StatusResponse struct {
	Models         []ModelStatus `json:"models"`
	FallbackActive bool          `json:"fallback_active"`
}

// artifact is one coefficient file on disk. The filename carries the model
// type and version: <type>-<semver>.yaml.
type artifact struct {
	modelType string
	version   *semver.Version
	fileHash  string
	raw       []byte
}

// Registry loads coefficient artifacts from a model directory and installs
// the newest version per model type into the scorer. With no directory, or
// no artifact for a type, the scorer keeps its heuristic coefficients and
// the registry reports the fallback.
type Registry struct {
	models   []ModelStatus
	fallback bool
}

// NewRegistry scans dir, validates artifact versions, installs the newest
// artifact per model type into svc, and returns the registry for status
// reporting. An empty or missing dir yields a heuristic-only registry.
// Malformed artifacts fail the load; a bad model file is a deploy error,
// not something to score around.
func NewRegistry(dir string, svc *Service, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loadedAt := time.Now().UTC()

	newest, err := scanArtifacts(dir)
	if err != nil {
		return nil, err
	}

	r := &Registry{}
	for _, modelType := range []string{ModelRisk, ModelAnomaly} {
		art, ok := newest[modelType]
		if !ok {
			r.fallback = true
			r.models = append(r.models, ModelStatus{
				ModelType: modelType,
				Version:   heuristicVersion(modelType),
				LoadedAt:  loadedAt,
				Source:    SourceHeuristic,
			})
			continue
		}
		if err := install(svc, art); err != nil {
			return nil, err
		}
		r.models = append(r.models, ModelStatus{
			ModelType: modelType,
			Version:   art.version.String(),
			FileHash:  "sha256:" + art.fileHash,
			LoadedAt:  loadedAt,
			Source:    SourceArtifact,
		})
		logger.Info("model artifact loaded",
			"model_type", modelType,
			"version", art.version.String(),
			"file_hash", art.fileHash,
		)
	}
	if r.fallback {
		logger.Info("heuristic scorer active",
			"risk_version", svc.riskVersion,
			"anomaly_version", svc.anomalyVersion,
		)
	}
	return r, nil
}

// Status reports the loaded models.
func (r *Registry) Status() StatusResponse {
	models := make([]ModelStatus, len(r.models))
	copy(models, r.models)
	return StatusResponse{Models: models, FallbackActive: r.fallback}
}

// scanArtifacts returns the newest artifact per model type found in dir.
func scanArtifacts(dir string) (map[string]*artifact, error) {
	newest := map[string]*artifact{}
	if dir == "" {
		return newest, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return newest, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inference: failed to read model dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		art, err := loadArtifact(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		cur, ok := newest[art.modelType]
		if !ok || art.version.GreaterThan(cur.version) {
			newest[art.modelType] = art
		}
	}
	return newest, nil
}

// loadArtifact parses <type>-<version>.yaml, validating the version as
// semver and hashing the exact file bytes.
func loadArtifact(path string) (*artifact, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(strings.TrimSuffix(base, ".yaml"), ".yml")
	modelType, versionStr, ok := strings.Cut(stem, "-")
	if !ok {
		return nil, fmt.Errorf("inference: model file %s is not named <type>-<version>.yaml", base)
	}
	if modelType != ModelRisk && modelType != ModelAnomaly {
		return nil, fmt.Errorf("inference: model file %s has unknown type %q", base, modelType)
	}
	version, err := semver.NewVersion(versionStr)
	if err != nil {
		return nil, fmt.Errorf("inference: model file %s version %q is not semver: %w", base, versionStr, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("inference: failed to read model file %s: %w", base, err)
	}
	sum := sha256.Sum256(raw)
	return &artifact{
		modelType: modelType,
		version:   version,
		fileHash:  hex.EncodeToString(sum[:]),
		raw:       raw,
	}, nil
}

// install decodes the artifact coefficients into the scorer.
func install(svc *Service, art *artifact) error {
	switch art.modelType {
	case ModelRisk:
		var c RiskCoefficients
		if err := yaml.Unmarshal(art.raw, &c); err != nil {
			return fmt.Errorf("inference: risk model %s unreadable: %w", art.version, err)
		}
		svc.risk = c
		svc.riskVersion = art.version.String()
	case ModelAnomaly:
		var c AnomalyCoefficients
		if err := yaml.Unmarshal(art.raw, &c); err != nil {
			return fmt.Errorf("inference: anomaly model %s unreadable: %w", art.version, err)
		}
		svc.anomaly = c
		svc.anomalyVersion = art.version.String()
	}
	return nil
}

func heuristicVersion(modelType string) string {
	if modelType == ModelRisk {
		return HeuristicRiskVersion
	}
	return HeuristicAnomalyVersion
}
