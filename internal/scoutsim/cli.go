package scoutsim

import "os"

// ShowHelp prints usage information for the simulator.
func ShowHelp() {
	os.Stdout.WriteString(`Scouting Simulator
==================

Submits randomized scouting records to a running service, corrects,
reassigns and removes some of them, then checks every team aggregate
against a from-scratch fold of the records that remain.

Usage:
  scout-sim [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -event string
        Event key the records are filed under (default "sim")
  -teams int
        Number of distinct teams (default 40)
  -matches int
        Number of matches, six stations each (default 80)
  -edits int
        Corrections, reassignments, removals and resends (default 400)
  -workers int
        Number of concurrent submitters (default CPU cores * 2)
  -seed int
        Generator seed; 0 picks one from the clock
  -timeout duration
        HTTP request timeout (default 30s)
  -output string
        Write the generated plan to this JSON file
  -config string
        YAML file with the service's scoring rules
  -verbose
        Log every failed request
  -help
        Show this help message

Examples:
  scout-sim -teams 60 -matches 120 -edits 1000
  scout-sim -seed 42 -output plan.json
`)
}
