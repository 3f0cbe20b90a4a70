// Command esglens runs the ESG disclosure analysis service and a few
// operational helpers around it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/esglens/esglens/pkg/catalog"
)

// Build metadata, set via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can dispatch without binding a port.
var startServer = runServe

// Run is the dispatcher; it exists apart from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "catalog":
		return runCatalogCmd(args[2:], stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "esglens %s (%s)\n", version, commit)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "esglens - ESG disclosure analysis service")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  esglens <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Run the API server (default)")
	fmt.Fprintln(w, "  health    Check a running instance over HTTP")
	fmt.Fprintln(w, "  catalog   Print the framework requirement catalog")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from the environment (PORT, DB_URI, JWT_SECRET, ...).")
}

// runHealthCmd probes a running instance, for container health checks
// and smoke tests.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "base URL of the instance to probe")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "status: %s (version %s)\n", body.Status, body.Version)
	return 0
}

// runCatalogCmd prints the embedded requirement catalog, per framework.
func runCatalogCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("catalog", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cat, err := catalog.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load catalog: %v\n", err)
		return 1
	}
	summary := cat.Summary()

	if *asJSON {
		out := map[string]any{
			"version":            cat.Version(),
			"total_requirements": cat.TotalRequirements(),
			"frameworks":         summary,
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "encode catalog: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	tags := make([]string, 0, len(summary))
	for tag := range summary {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	fmt.Fprintf(stdout, "catalog %s, %d requirements\n\n", cat.Version(), cat.TotalRequirements())
	for _, tag := range tags {
		fw := summary[tag]
		fmt.Fprintf(stdout, "%-6s %-40s %3d requirements, %d mandatory\n",
			tag, fw.Name, fw.Total, fw.Mandatory)
		for _, c := range fw.Categories {
			fmt.Fprintf(stdout, "       - %s\n", c)
		}
	}
	return 0
}
