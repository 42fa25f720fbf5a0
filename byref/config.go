package byref

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/PatchLens/go-byref/callsite"
)

// Config holds the settings of a survey run.
type Config struct {
	CodeFile   string `yaml:"code"`
	ConfigFile string `yaml:"-"`
	DBDir      string `yaml:"db"`
	JsonFile   string `yaml:"json"`
	CacheMB    int    `yaml:"cacheMB"`
	MaxSteps   int    `yaml:"maxSteps"`
	// Inject names the functions whose hooked listing is printed.
	Inject []string `yaml:"inject"`
	// Run executes the module with the byref decorator after the survey.
	Run     bool `yaml:"run"`
	Verbose bool `yaml:"verbose"`
	// Custom flags support - all stored as strings for ease of use
	CustomFlags map[string]string `yaml:"custom"`
}

// LoadConfigFile reads path into c. Only the fields present in the file are replaced.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	custom := c.CustomFlags
	c.CustomFlags = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfiguration, path, err)
	}
	for k, v := range custom {
		if _, ok := c.CustomFlags[k]; !ok {
			if c.CustomFlags == nil {
				c.CustomFlags = make(map[string]string)
			}
			c.CustomFlags[k] = v
		}
	}
	return nil
}

// Validate checks the settings are usable.
func (c *Config) Validate() error {
	if c.CodeFile == "" {
		return errors.New("usage: -code prog.byrc [-config byref.yaml] [-db dir] [-json report.json] [-inject name]")
	} else if c.CacheMB < 0 || c.MaxSteps < 0 {
		return fmt.Errorf("%w: cache size and step budget must not be negative", ErrConfiguration)
	}
	return nil
}

// Options returns the analysis options for the configuration, allocating a flow cache when
// CacheMB is set. The returned cache must be closed by the caller.
func (c *Config) Options() (Options, *callsite.FlowCache, error) {
	opts := Options{MaxSteps: c.MaxSteps, Verbose: c.Verbose}
	if c.CacheMB == 0 {
		return opts, nil, nil
	}
	cache, err := callsite.NewFlowCache(c.CacheMB)
	if err != nil {
		return Options{}, nil, err
	}
	opts.Cache = cache
	return opts, cache, nil
}
