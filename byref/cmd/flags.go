package cmd

import (
	"flag"
	"strconv"
	"strings"

	"github.com/PatchLens/go-byref/byref"
)

// CustomFlag defines a custom CLI option.
type CustomFlag struct {
	Name         string
	DefaultValue any
	Usage        string
	Type         string // "string", "int", "bool"
}

// ParseFlags builds Config from standard and custom flags. Values from the -config file
// replace flag defaults, flags set on the command line take precedence over the file.
func ParseFlags(customFlags []CustomFlag) (*byref.Config, error) {
	config := &byref.Config{CustomFlags: make(map[string]string)}

	// Define all standard flags
	codeFile := flag.String("code", "", "Path to the code container to survey")
	configFile := flag.String("config", "", "Optional YAML file with survey settings")
	dbDir := flag.String("db", "", "Directory to persist reports in, in memory when empty")
	reportJsonFile := flag.String("json", "byref-report.json", "File to output survey details")
	cacheMB := flag.Int("cachemb", 32, "Predecessor map cache budget in MB, 0 disables the cache")
	maxSteps := flag.Int("maxsteps", 0, "Instruction replay budget per call site, 0 for the default")
	inject := flag.String("inject", "", "Comma separated function names to print the hooked listing diff for")
	run := flag.Bool("run", false, "Execute the module with the byref decorator available")
	verbose := flag.Bool("verbose", false, "Log every resolved by-reference call")

	// Define custom flags
	customPtrs := make(map[string]any)
	for _, cf := range customFlags {
		switch cf.Type {
		case "string":
			customPtrs[cf.Name] = flag.String(cf.Name, cf.DefaultValue.(string), cf.Usage)
		case "int":
			customPtrs[cf.Name] = flag.Int(cf.Name, cf.DefaultValue.(int), cf.Usage)
		case "bool":
			customPtrs[cf.Name] = flag.Bool(cf.Name, cf.DefaultValue.(bool), cf.Usage)
		}
	}

	flag.Parse()

	// Populate config from flag values
	apply := map[string]func(){
		"code":     func() { config.CodeFile = *codeFile },
		"db":       func() { config.DBDir = *dbDir },
		"json":     func() { config.JsonFile = *reportJsonFile },
		"cachemb":  func() { config.CacheMB = *cacheMB },
		"maxsteps": func() { config.MaxSteps = *maxSteps },
		"inject":   func() { config.Inject = splitNames(*inject) },
		"run":      func() { config.Run = *run },
		"verbose":  func() { config.Verbose = *verbose },
	}
	for name, ptr := range customPtrs {
		apply[name] = func() {
			switch v := ptr.(type) {
			case *string:
				config.CustomFlags[name] = *v
			case *int:
				config.CustomFlags[name] = strconv.Itoa(*v)
			case *bool:
				config.CustomFlags[name] = strconv.FormatBool(*v)
			}
		}
	}
	for _, fn := range apply {
		fn()
	}

	if *configFile != "" {
		config.ConfigFile = *configFile
		if err := config.LoadConfigFile(*configFile); err != nil {
			return nil, err
		}
		flag.Visit(func(f *flag.Flag) {
			if fn, ok := apply[f.Name]; ok {
				fn()
			}
		})
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func splitNames(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}
