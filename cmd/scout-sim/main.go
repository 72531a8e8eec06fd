package main

import (
	"context"
	"flag"
	"os"
	"runtime"
	"time"

	"github.com/okian/scouting/internal/config"
	"github.com/okian/scouting/internal/domain/scoring"
	"github.com/okian/scouting/internal/scoutsim"
	"github.com/okian/scouting/pkg/logger"
)

// Default configuration constants.
const (
	defaultTeams      = 40
	defaultMatches    = 80
	defaultEdits      = 400
	defaultWorkers    = 2 // multiplier for runtime.NumCPU()
	defaultTimeout    = 30 * time.Second
	defaultRunTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:9080", "Base URL of the service")
		eventKey   = flag.String("event", "sim", "Event key the records are filed under")
		teams      = flag.Int("teams", defaultTeams, "Number of distinct teams")
		matches    = flag.Int("matches", defaultMatches, "Number of matches, six stations each")
		edits      = flag.Int("edits", defaultEdits, "Corrections, reassignments, removals and resends")
		workers    = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent submitters")
		seed       = flag.Int64("seed", 0, "Generator seed; 0 picks one from the clock")
		timeout    = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		outputFile = flag.String("output", "", "Write the generated plan to this JSON file")
		rulesFile  = flag.String("config", "", "YAML file with the service's scoring rules")
		verbose    = flag.Bool("verbose", false, "Log every failed request")
		help       = flag.Bool("help", false, "Show help")
	)
	flag.Parse()

	if *help {
		scoutsim.ShowHelp()
		return
	}

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRunTimeout)
	defer cancel()

	rules, err := loadRules(ctx, *rulesFile)
	if err != nil {
		os.Stderr.WriteString("failed to load rules: " + err.Error() + "\n")
		os.Exit(1)
	}

	cfg := &scoutsim.Config{
		BaseURL:    *baseURL,
		EventKey:   *eventKey,
		Teams:      *teams,
		Matches:    *matches,
		Edits:      *edits,
		Workers:    *workers,
		Timeout:    *timeout,
		Seed:       *seed,
		OutputFile: *outputFile,
		Verbose:    *verbose,
	}
	if _, err := scoutsim.Run(ctx, cfg, rules); err != nil {
		os.Stderr.WriteString("simulation failed: " + err.Error() + "\n")
		os.Exit(1)
	}
}

// loadRules reads the rule table through the service's own config loader
// so both sides score records the same way.
func loadRules(ctx context.Context, file string) (scoring.Rules, error) {
	if file == "" {
		return scoring.DefaultRules(), nil
	}
	if err := os.Setenv(config.EnvConfigFile, file); err != nil {
		return scoring.Rules{}, err
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return scoring.Rules{}, err
	}
	return cfg.Rules, nil
}
