package governance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/rbac"
)

// teamFile is the on-disk shape of the team mapping
type teamFile struct {
	Teams map[string][]string `yaml:"teams"`
}

// TeamMapping resolves a TEAM approver scope to the role-profile keys whose
// holders make up the team. It is a lookup table with no other behavior, so
// the mapping can be swapped without touching quorum evaluation.
type TeamMapping struct {
	mu    sync.RWMutex
	teams map[string][]string
}

// DefaultTeamMapping maps each team to the preset profile of the same name
func DefaultTeamMapping() *TeamMapping {
	return NewTeamMapping(map[string][]string{
		"revenue":          {rbac.PresetRevenueOps},
		"marketing":        {rbac.PresetMarketing},
		"sales":            {rbac.PresetSales},
		"customer_success": {rbac.PresetCustomerSuccess},
		"leadership":       {rbac.PresetExecutive},
	})
}

// NewTeamMapping creates a mapping from team key to role-profile keys
func NewTeamMapping(teams map[string][]string) *TeamMapping {
	m := &TeamMapping{}
	m.set(teams)
	return m
}

func (m *TeamMapping) set(teams map[string][]string) {
	copied := make(map[string][]string, len(teams))
	for team, keys := range teams {
		copied[team] = append([]string(nil), keys...)
	}
	m.mu.Lock()
	m.teams = copied
	m.mu.Unlock()
}

// ProfileKeys returns the role-profile keys of a team and whether the team
// is known
func (m *TeamMapping) ProfileKeys(team string) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys, ok := m.teams[team]
	return append([]string(nil), keys...), ok
}

// Teams lists the known team keys
func (m *TeamMapping) Teams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.teams))
	for team := range m.teams {
		out = append(out, team)
	}
	sort.Strings(out)
	return out
}

// LoadFile replaces the mapping with the contents of a YAML file. On error
// the previous mapping stays in place.
func (m *TeamMapping) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read team mapping: %w", err)
	}
	var f teamFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse team mapping: %w", err)
	}
	if len(f.Teams) == 0 {
		return fmt.Errorf("team mapping %s defines no teams", path)
	}
	m.set(f.Teams)
	return nil
}

// LoadTeamMapping reads a mapping file
func LoadTeamMapping(path string) (*TeamMapping, error) {
	m := &TeamMapping{}
	if err := m.LoadFile(path); err != nil {
		return nil, err
	}
	return m, nil
}

// Watch reloads the mapping whenever path changes. It blocks until ctx is
// done and returns ctx.Err(). The parent directory is watched so editors
// that replace the file are seen.
func (m *TeamMapping) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	logger = logger.OrDefault().WithField("path", path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch team mapping directory: %w", err)
	}

	defer watcher.Close()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := m.LoadFile(path); err != nil {
				logger.WithError(err).Warn("team mapping reload failed; keeping previous mapping")
				continue
			}
			logger.WithField("teams", len(m.Teams())).Info("team mapping reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Error("team mapping watcher error")
		}
	}
}
