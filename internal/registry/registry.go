// Package registry discovers the on-disk module manifests that define
// Testrun's network services and test modules. Each conf/module_config.json
// is loaded into a typed descriptor, dependencies are loaded before their
// dependants, and container images are built eagerly at load time.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"testrun/internal/models"
)

// ImageBuilder builds one module image from its build context.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, dockerfile, tag string) error
}

// Manifest mirrors conf/module_config.json. The network field is a boolean
// for test modules and a sub-object for network modules, so it stays raw
// until the subtree tells us which.
type manifest struct {
	Config struct {
		Meta struct {
			Name        string `json:"name"`
			DisplayName string `json:"display_name"`
			Description string `json:"description"`
		} `json:"meta"`
		Enabled  *bool           `json:"enabled"`
		Network  json.RawMessage `json:"network"`
		Docker   manifestDocker  `json:"docker"`
		Tests    []manifestTest  `json:"tests"`
		LogLevel string          `json:"log_level"`
	} `json:"config"`
}

type manifestDocker struct {
	EnableContainer *bool  `json:"enable_container"`
	Timeout         int    `json:"timeout"`
	DependsOn       string `json:"depends_on"`
	Template        bool   `json:"template"`
}

type manifestTest struct {
	Name             string   `json:"name"`
	TestDescription  string   `json:"test_description"`
	ExpectedBehavior string   `json:"expected_behavior"`
	RequiredResult   string   `json:"required_result"`
	Recommendations  []string `json:"recommendations"`
}

type manifestNetwork struct {
	EnableWAN bool `json:"enable_wan"`
	IPIndex   int  `json:"ip_index"`
	Host      bool `json:"host"`
}

// Registry holds the loaded module descriptors in build order.
type Registry struct {
	modulesDir string
	builder    ImageBuilder
	logger     zerolog.Logger

	network []*models.NetworkModule
	test    []*models.TestModule
}

// New creates a registry over a modules root containing network/ and test/
// subtrees.
func New(modulesDir string, builder ImageBuilder) *Registry {
	return &Registry{
		modulesDir: modulesDir,
		builder:    builder,
		logger:     log.With().Str("component", "registry").Logger(),
	}
}

// LoadNetworkModules scans modules/network, loading dependencies before
// dependants and building each image. Any build failure aborts the load.
func (r *Registry) LoadNetworkModules(ctx context.Context) error {
	r.network = nil
	return r.loadTree(ctx, "network", func(ctx context.Context, dir string) error {
		return r.loadNetworkModule(ctx, dir)
	})
}

// LoadTestModules scans modules/test the same way.
func (r *Registry) LoadTestModules(ctx context.Context) error {
	r.test = nil
	return r.loadTree(ctx, "test", func(ctx context.Context, dir string) error {
		return r.loadTestModule(ctx, dir)
	})
}

// loadTree walks one subtree in directory order, honoring depends_on by
// loading the dependency's directory first.
func (r *Registry) loadTree(ctx context.Context, kind string, load func(context.Context, string) error) error {
	root := filepath.Join(r.modulesDir, kind)
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read modules directory %s: %w", root, err)
	}

	loaded := make(map[string]bool)
	var loadDir func(name string, chain map[string]bool) error
	loadDir = func(name string, chain map[string]bool) error {
		if loaded[name] {
			return nil
		}
		if chain[name] {
			return fmt.Errorf("dependency cycle through module %s", name)
		}
		chain[name] = true

		dir := filepath.Join(root, name)
		m, err := readManifest(dir)
		if err != nil {
			return err
		}
		if dep := m.Config.Docker.DependsOn; dep != "" {
			if err := loadDir(dep, chain); err != nil {
				return err
			}
		}
		if err := load(ctx, dir); err != nil {
			return err
		}
		loaded[name] = true
		return nil
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := loadDir(entry.Name(), make(map[string]bool)); err != nil {
			return err
		}
	}
	return nil
}

// readManifest parses <dir>/conf/module_config.json.
func readManifest(dir string) (*manifest, error) {
	path := filepath.Join(dir, "conf", "module_config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module manifest %s: %w", path, err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse module manifest %s: %w", path, err)
	}
	if m.Config.Meta.Name == "" {
		// Fall back to the directory name so a sparse manifest still loads.
		m.Config.Meta.Name = filepath.Base(dir)
	}
	return &m, nil
}

// buildFile picks the module's Docker build file.
func buildFile(dir, name string) string {
	candidate := name + ".Dockerfile"
	if _, err := os.Stat(filepath.Join(dir, candidate)); err == nil {
		return candidate
	}
	return "Dockerfile"
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (r *Registry) loadNetworkModule(ctx context.Context, dir string) error {
	m, err := readManifest(dir)
	if err != nil {
		return err
	}

	var netCfg manifestNetwork
	if len(m.Config.Network) > 0 {
		if err := json.Unmarshal(m.Config.Network, &netCfg); err != nil {
			return fmt.Errorf("invalid network config in %s: %w", dir, err)
		}
	}

	name := m.Config.Meta.Name
	module := &models.NetworkModule{
		Name:            name,
		DisplayName:     m.Config.Meta.DisplayName,
		Description:     m.Config.Meta.Description,
		Enabled:         boolOrDefault(m.Config.Enabled, true),
		EnableContainer: boolOrDefault(m.Config.Docker.EnableContainer, true),
		Template:        m.Config.Docker.Template,
		Host:            netCfg.Host,
		EnableWAN:       netCfg.EnableWAN,
		IPIndex:         netCfg.IPIndex,
		Image:           "testrun/" + name,
		ContainerName:   "tr-ct-" + name,
		Dir:             dir,
		DependsOn:       m.Config.Docker.DependsOn,
	}

	if module.Enabled {
		if err := r.builder.BuildImage(ctx, dir, buildFile(dir, name), module.Image); err != nil {
			return err
		}
	}

	r.network = append(r.network, module)
	r.logger.Debug().Str("module", name).Msg("Network module loaded")
	return nil
}

func (r *Registry) loadTestModule(ctx context.Context, dir string) error {
	m, err := readManifest(dir)
	if err != nil {
		return err
	}

	networkRequired := false
	if len(m.Config.Network) > 0 {
		if err := json.Unmarshal(m.Config.Network, &networkRequired); err != nil {
			return fmt.Errorf("invalid network flag in %s: %w", dir, err)
		}
	}

	name := m.Config.Meta.Name
	timeout := m.Config.Docker.Timeout
	if timeout <= 0 {
		timeout = models.DefaultModuleTimeout
	}

	tests := make([]*models.TestCase, 0, len(m.Config.Tests))
	for _, mt := range m.Config.Tests {
		tests = append(tests, &models.TestCase{
			Name:             mt.Name,
			Description:      mt.TestDescription,
			ExpectedBehavior: mt.ExpectedBehavior,
			RequiredResult:   models.NormalizeRequiredResult(mt.RequiredResult),
			Recommendations:  mt.Recommendations,
			Result:           models.ResultInProgress,
		})
	}

	module := &models.TestModule{
		Name:            name,
		DisplayName:     m.Config.Meta.DisplayName,
		Description:     m.Config.Meta.Description,
		Enabled:         boolOrDefault(m.Config.Enabled, true),
		NetworkRequired: networkRequired,
		EnableContainer: boolOrDefault(m.Config.Docker.EnableContainer, true),
		Image:           "testrun/" + name + "-test",
		ContainerName:   "tr-ct-" + name + "-test",
		Dir:             dir,
		DependsOn:       m.Config.Docker.DependsOn,
		Timeout:         timeout,
		LogLevel:        m.Config.LogLevel,
		Tests:           tests,
	}

	if module.Enabled {
		if err := r.builder.BuildImage(ctx, dir, buildFile(dir, name), module.Image); err != nil {
			return err
		}
	}

	r.test = append(r.test, module)
	r.logger.Debug().Str("module", name).Int("tests", len(tests)).Msg("Test module loaded")
	return nil
}

// NetworkModules returns the loaded network modules in build order.
func (r *Registry) NetworkModules() []*models.NetworkModule {
	return r.network
}

// TestModules returns the loaded test modules in build order.
func (r *Registry) TestModules() []*models.TestModule {
	return r.test
}

// GetTestModule resolves a module by display name, internal name, or
// directory name.
func (r *Registry) GetTestModule(name string) *models.TestModule {
	for _, m := range r.test {
		if m.Name == name || m.DisplayName == name || filepath.Base(m.Dir) == name {
			return m
		}
	}
	return nil
}

// GetNetworkModule resolves a network module the same way.
func (r *Registry) GetNetworkModule(name string) *models.NetworkModule {
	for _, m := range r.network {
		if m.Name == name || m.DisplayName == name || filepath.Base(m.Dir) == name {
			return m
		}
	}
	return nil
}
