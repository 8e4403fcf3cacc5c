package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/taskcoord/internal/config"
	"github.com/basket/taskcoord/internal/store"
)

// doctorResult is one diagnostic check's outcome.
type doctorResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // OK, WARN, FAIL
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type doctorReport struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	System    doctorSystem   `json:"system"`
	Results   []doctorResult `json:"results"`
}

type doctorSystem struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
	Go   string `json:"go"`
}

// runDoctorCommand opens the store read-only-in-spirit (no writes
// beyond what Open's migrations perform) and reports schema version
// and integrity, the way the teacher's doctor subcommand reports on
// its own dependencies.
func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, cfgErr := config.Load()
	report := doctorReport{
		Timestamp: time.Now().UTC(),
		Version:   Version,
		System:    doctorSystem{OS: runtime.GOOS, Arch: runtime.GOARCH, Go: runtime.Version()},
	}

	if cfgErr != nil {
		report.Results = append(report.Results, doctorResult{
			Name: "config", Status: "FAIL", Message: "could not load config.yaml", Detail: cfgErr.Error(),
		})
		return printDoctorReport(report, jsonOutput)
	}
	report.Results = append(report.Results, doctorResult{
		Name: "config", Status: "OK", Message: "loaded from " + config.ConfigPath(cfg.HomeDir),
	})

	storePath := cfg.StorePath
	if storePath == "" {
		storePath = filepath.Join(cfg.HomeDir, "taskhubd.db")
	}
	st, err := store.Open(storePath)
	if err != nil {
		report.Results = append(report.Results, doctorResult{
			Name: "store_open", Status: "FAIL", Message: "could not open store", Detail: err.Error(),
		})
		return printDoctorReport(report, jsonOutput)
	}
	defer st.Close()
	report.Results = append(report.Results, doctorResult{
		Name: "store_open", Status: "OK", Message: storePath,
	})

	if err := st.Ping(ctx); err != nil {
		report.Results = append(report.Results, doctorResult{
			Name: "store_ping", Status: "FAIL", Message: "database did not respond", Detail: err.Error(),
		})
	} else {
		report.Results = append(report.Results, doctorResult{Name: "store_ping", Status: "OK", Message: "responsive"})
	}

	if version, err := st.SchemaVersion(ctx); err != nil {
		report.Results = append(report.Results, doctorResult{
			Name: "schema_version", Status: "FAIL", Message: "could not read schema_migrations", Detail: err.Error(),
		})
	} else {
		report.Results = append(report.Results, doctorResult{
			Name: "schema_version", Status: "OK", Message: fmt.Sprintf("v%d", version),
		})
	}

	if result, err := st.IntegrityCheck(ctx); err != nil {
		report.Results = append(report.Results, doctorResult{
			Name: "integrity_check", Status: "FAIL", Message: "could not run integrity_check", Detail: err.Error(),
		})
	} else if result != "ok" {
		report.Results = append(report.Results, doctorResult{
			Name: "integrity_check", Status: "FAIL", Message: "sqlite reported corruption", Detail: result,
		})
	} else {
		report.Results = append(report.Results, doctorResult{Name: "integrity_check", Status: "OK", Message: "ok"})
	}

	return printDoctorReport(report, jsonOutput)
}

func printDoctorReport(report doctorReport, jsonOutput bool) int {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding json: %v\n", err)
			return 1
		}
		return failCount(report)
	}

	fmt.Printf("taskhubd doctor report (%s)\n", report.Timestamp.Format(time.RFC3339))
	fmt.Printf("system: %s/%s (%s)\n", report.System.OS, report.System.Arch, report.System.Go)
	fmt.Println("---")

	fails := 0
	for _, res := range report.Results {
		icon := "OK  "
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			fails++
		case "WARN":
			icon = "WARN"
		}
		fmt.Printf("[%s] %-16s %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("       %s\n", res.Detail)
		}
	}
	if fails > 0 {
		return 1
	}
	return 0
}

func failCount(report doctorReport) int {
	for _, res := range report.Results {
		if res.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
