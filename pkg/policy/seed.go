package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// seedPrefix names profile seed files: profile_<id>.yaml.
const seedPrefix = "profile_"

// LoadDir reads every profile_<id>.yaml in dir. Files whose embedded id
// disagrees with the filename are rejected, as are profiles that fail
// validation. A missing or empty dir yields no profiles and no error.
func LoadDir(dir string) ([]*Profile, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: failed to read profile dir: %w", err)
	}

	var profiles []*Profile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, seedPrefix) {
			continue
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		p, err := loadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		wantID := strings.TrimSuffix(strings.TrimSuffix(strings.TrimPrefix(name, seedPrefix), ".yaml"), ".yml")
		if p.ID != wantID {
			return nil, fmt.Errorf("policy: seed file %s declares id %q, want %q", name, p.ID, wantID)
		}
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

func loadFile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to read seed %s: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("policy: failed to parse seed %s: %w", path, err)
	}
	if p.Thresholds == nil {
		p.Thresholds = DefaultThresholds()
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy: seed %s: %w", path, err)
	}
	return &p, nil
}
