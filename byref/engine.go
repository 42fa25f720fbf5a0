package byref

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/PatchLens/go-byref/bytecode"
	"github.com/PatchLens/go-byref/vm"
)

// SurveyEngine runs a configured survey of a code container.
type SurveyEngine struct {
	config *Config
	// Stdout receives listing diffs and the output of executed modules.
	Stdout io.Writer
}

// NewSurveyEngine creates an engine for config writing to os.Stdout.
func NewSurveyEngine(config *Config) *SurveyEngine {
	return &SurveyEngine{config: config, Stdout: os.Stdout}
}

func (e *SurveyEngine) openStorage() (Storage, error) {
	if e.config.DBDir == "" {
		return NewMemStorage(), nil
	}
	return NewBadgerStorage(e.config.DBDir, max(e.config.CacheMB, 16), false)
}

// Run surveys the container, stores the site reports, prints requested injection diffs,
// optionally executes the module, and writes the JSON report.
func (e *SurveyEngine) Run(ctx context.Context) (*Report, error) {
	startTime := time.Now()
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	code, err := bytecode.ReadCodeFile(e.config.CodeFile)
	if err != nil {
		return nil, fmt.Errorf("load code failed: %w", err)
	}
	opts, cache, err := e.config.Options()
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	sites, err := Survey(ctx, code, opts)
	if err != nil {
		return nil, err
	}
	for _, r := range sites {
		if !r.Resolved() {
			log.Printf("WARN: %s offset %d not analyzed: %s", r.Code, r.Offset, r.Err)
		}
	}

	storage, err := e.openStorage()
	if err != nil {
		return nil, err
	}
	store := NewReportStore(KeyPrefixStorage(storage, "sites"))
	defer store.Close()
	if err := store.Save(sites); err != nil {
		return nil, err
	}

	report := &Report{
		StartTime: startTime,
		CodeFile:  e.config.CodeFile,
		Version:   code.Version,
		Summary:   Summarize(sites),
		Sites:     sites,
	}
	for _, name := range e.config.Inject {
		diff, err := e.injectionDiff(code, name)
		if err != nil {
			return nil, err
		}
		if report.InjectedDiff == nil {
			report.InjectedDiff = make(map[string]string)
		}
		report.InjectedDiff[name] = diff
		if _, err := io.WriteString(e.Stdout, diff); err != nil {
			return nil, err
		}
	}

	if e.config.Run {
		in := vm.NewInterpreter(e.Stdout, map[string]vm.Value{"byref": Decorator(opts)})
		if _, err := in.RunModule(code, nil); err != nil {
			return nil, fmt.Errorf("run %s failed: %w", code.Name, err)
		}
	}

	report.Duration = time.Since(startTime)
	if err := report.WriteToFile(e.config.JsonFile); err != nil {
		return nil, err
	}
	log.Printf("Surveyed %d call sites, %d resolved, %d assignable arguments",
		report.Summary.Sites, report.Summary.Resolved, report.Summary.Lvalues)
	return report, nil
}

func (e *SurveyEngine) injectionDiff(code *bytecode.Code, name string) (string, error) {
	unit, ok := FindCode(code, name)
	if !ok {
		return "", fmt.Errorf("%w: no code unit named %q", ErrConfiguration, name)
	}
	hooked, err := InjectCallHook(vm.NewFunction(unit, nil), vm.None)
	if err != nil {
		return "", err
	}
	return InjectionDiff(unit, hooked.Code)
}
