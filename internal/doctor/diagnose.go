package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/a-marczewski/ppewatch/internal/config"
	"github.com/a-marczewski/ppewatch/internal/objectstore"
	"github.com/a-marczewski/ppewatch/internal/storage"
)

const checkTimeout = 10 * time.Second

// Diagnostics holds diagnostic information
type Diagnostics struct {
	Checks []CheckResult `json:"checks"`
	Issues []string      `json:"issues"`
	Status string        `json:"status"`
}

// CheckResult represents the result of a single check
type CheckResult struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // "pass", "fail", "warn"
	Message  string `json:"message"`
	Severity string `json:"severity"` // "info", "warning", "error"
}

// Runner runs diagnostic checks
type Runner struct {
	config *config.Config
	db     *storage.DB
	store  objectstore.Store

	lookPath func(string) (string, error)
}

// NewRunner creates a new diagnostic runner. store may be nil when no
// object store backend is configured.
func NewRunner(cfg *config.Config, db *storage.DB, store objectstore.Store) *Runner {
	return &Runner{
		config:   cfg,
		db:       db,
		store:    store,
		lookPath: exec.LookPath,
	}
}

// RunAll runs all diagnostic checks
func (d *Runner) RunAll(ctx context.Context) *Diagnostics {
	var results []CheckResult
	var issues []string

	results = append(results, d.checkConfiguration()...)
	results = append(results, d.checkDataDirectory()...)
	results = append(results, d.checkDatabase(ctx)...)
	results = append(results, d.checkObjectStore(ctx)...)
	results = append(results, d.checkDetector()...)

	for _, result := range results {
		if result.Status == "fail" {
			issues = append(issues, result.Message)
		}
	}

	status := "healthy"
	if len(issues) > 0 {
		status = "issues_found"
	}

	return &Diagnostics{
		Checks: results,
		Issues: issues,
		Status: status,
	}
}

func pass(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: "pass", Message: msg, Severity: "info"}
}

func warn(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: "warn", Message: msg, Severity: "warning"}
}

func fail(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: "fail", Message: msg, Severity: "error"}
}

func (d *Runner) checkConfiguration() []CheckResult {
	if err := d.config.Validate(); err != nil {
		return []CheckResult{fail("configuration_validation", fmt.Sprintf("Configuration validation failed: %v", err))}
	}
	return []CheckResult{pass("configuration_validation", "Configuration is valid")}
}

// checkDataDirectory checks the .ppewatch directory and its subdirectories.
func (d *Runner) checkDataDirectory() []CheckResult {
	var results []CheckResult
	dataDir := d.config.DataDir

	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		// Early return since other checks will fail
		return append(results, fail("data_directory_exists", fmt.Sprintf("Data directory does not exist: %s", dataDir)))
	} else if err != nil {
		return append(results, fail("data_directory_access", fmt.Sprintf("Cannot access data directory: %v", err)))
	}

	if err := testDirectoryPermissions(dataDir); err != nil {
		results = append(results, fail("data_directory_permissions", fmt.Sprintf("Insufficient permissions for data directory: %v", err)))
	} else {
		results = append(results, pass("data_directory_permissions", "Sufficient permissions for data directory"))
	}

	for _, subdir := range []string{filepath.Join(dataDir, "logs"), filepath.Join(dataDir, "objects")} {
		name := filepath.Base(subdir)
		if _, err := os.Stat(subdir); os.IsNotExist(err) {
			results = append(results, warn(name+"_exists", fmt.Sprintf("Subdirectory does not exist: %s", subdir)))
		} else if err != nil {
			results = append(results, fail(name+"_access", fmt.Sprintf("Cannot access subdirectory: %v", err)))
		} else {
			results = append(results, pass(name+"_access", fmt.Sprintf("Accessible subdirectory: %s", subdir)))
		}
	}

	return results
}

// testDirectoryPermissions tests if we can write to and clean up in dir.
func testDirectoryPermissions(dir string) error {
	testFile := filepath.Join(dir, ".permission_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return err
	}
	return os.Remove(testFile)
}

func (d *Runner) checkDatabase(ctx context.Context) []CheckResult {
	var results []CheckResult
	if d.db == nil {
		return append(results, fail("database_connectivity", "Database is not open"))
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := d.db.Ping(ctx); err != nil {
		return append(results, fail("database_connectivity", fmt.Sprintf("Cannot connect to database: %v", err)))
	}
	results = append(results, pass("database_connectivity", "Database connection successful"))

	var integrity string
	if err := d.db.GetConnection().QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		results = append(results, fail("database_integrity", fmt.Sprintf("Database integrity check failed: %v", err)))
	} else if integrity != "ok" {
		results = append(results, fail("database_integrity", fmt.Sprintf("Database integrity check reported: %s", integrity)))
	} else {
		results = append(results, pass("database_integrity", "Database integrity check passed"))
	}

	var version int
	if err := d.db.GetConnection().QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		results = append(results, fail("database_schema", fmt.Sprintf("Cannot read schema version: %v", err)))
	} else if version != storage.SchemaVersion {
		results = append(results, fail("database_schema", fmt.Sprintf("Schema version %d, expected %d", version, storage.SchemaVersion)))
	} else {
		results = append(results, pass("database_schema", fmt.Sprintf("Schema version %d", version)))
	}

	return results
}

func (d *Runner) checkObjectStore(ctx context.Context) []CheckResult {
	if d.store == nil {
		if d.config.UploadFrames {
			return []CheckResult{fail("object_store", "Frame uploads are enabled but no object store is configured")}
		}
		return []CheckResult{warn("object_store", "No object store configured; video uploads are disabled")}
	}

	checker, ok := d.store.(objectstore.Checker)
	if !ok {
		return []CheckResult{pass("object_store", fmt.Sprintf("Object store backend %s configured", d.config.ObjectBackend))}
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := checker.Check(ctx); err != nil {
		return []CheckResult{fail("object_store", fmt.Sprintf("Object store %s is not reachable: %v", d.config.ObjectBackend, err))}
	}
	return []CheckResult{pass("object_store", fmt.Sprintf("Object store %s is reachable", d.config.ObjectBackend))}
}

func (d *Runner) checkDetector() []CheckResult {
	if d.config.DetectorCommand == "" {
		return []CheckResult{fail("detector_command", "No detector command configured; streaming cannot start")}
	}
	path, err := d.lookPath(d.config.DetectorCommand)
	if err != nil {
		return []CheckResult{fail("detector_command", fmt.Sprintf("Detector command not found: %v", err))}
	}
	return []CheckResult{pass("detector_command", fmt.Sprintf("Detector command resolved to %s", path))}
}

// PrintReport writes a formatted diagnostic report to w.
func (d *Diagnostics) PrintReport(w io.Writer) {
	fmt.Fprintf(w, "=== ppewatch Diagnostic Report ===\n")
	fmt.Fprintf(w, "Status: %s\n\n", d.Status)

	if len(d.Issues) > 0 {
		fmt.Fprintf(w, "Issues Found:\n")
		for i, issue := range d.Issues {
			fmt.Fprintf(w, "  %d. %s\n", i+1, issue)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Detailed Checks:\n")
	for _, check := range d.Checks {
		statusSymbol := "✓"
		if check.Status == "fail" {
			statusSymbol = "✗"
		} else if check.Status == "warn" {
			statusSymbol = "!"
		}

		fmt.Fprintf(w, "  %s %s: %s\n", statusSymbol, check.Name, check.Message)
	}

	fmt.Fprintln(w, "\nRecommendations:")
	if len(d.Issues) == 0 {
		fmt.Fprintln(w, "  ✓ System is operating normally")
	} else {
		fmt.Fprintln(w, "  • Check the .ppewatch directory permissions")
		fmt.Fprintln(w, "  • Verify the database file is not corrupted")
		fmt.Fprintln(w, "  • Verify object store credentials and bucket")
		fmt.Fprintln(w, "  • Ensure the detector command is installed")
	}
}
