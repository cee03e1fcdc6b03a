package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/taskledger/internal/daemon"
	"github.com/msageha/taskledger/internal/events"
	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/setup"
	"github.com/msageha/taskledger/internal/status"
	"github.com/msageha/taskledger/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "delta":
		runDelta(os.Args[2:])
	case "session":
		runSession(os.Args[2:])
	case "summary":
		runSummary(os.Args[2:])
	case "materials":
		send("materials", nil)
	case "catalog":
		runCatalog(os.Args[2:])
	case "journal":
		runJournal(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "ping":
		send("ping", nil)
	case "shutdown":
		send("shutdown", nil)
	case "version":
		fmt.Printf("taskledger %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runTask(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: taskledger task <start|header|history|history-entry|materials-history> [options]")
		os.Exit(1)
	}
	rest := args[1:]
	switch args[0] {
	case "start":
		usage := "usage: taskledger task start --task <id> --operator <id>"
		f := parseFlags(rest, usage, "--task", "--operator")
		requireFlags(f, usage, "--task", "--operator")
		send("task_start", map[string]any{"task_id": f["--task"], "operator_id": f["--operator"]})
	case "header":
		usage := "usage: taskledger task header --task <id>"
		f := parseFlags(rest, usage, "--task")
		requireFlags(f, usage, "--task")
		send("task_header", map[string]any{"task_id": f["--task"]})
	case "history":
		usage := "usage: taskledger task history --task <id> [--limit <n>] [--before <rfc3339>] [--action <CREATE|START>] [--actor <id>]"
		f := parseFlags(rest, usage, "--task", "--limit", "--before", "--action", "--actor")
		requireFlags(f, usage, "--task")
		params := map[string]any{"task_id": f["--task"]}
		if v, ok := f["--limit"]; ok {
			params["limit"] = atoiFlag("--limit", v)
		}
		if v, ok := f["--before"]; ok {
			before, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --before value: %s\n", v)
				os.Exit(1)
			}
			params["before"] = before
		}
		if v, ok := f["--action"]; ok {
			params["action"] = strings.ToUpper(v)
		}
		if v, ok := f["--actor"]; ok {
			params["actor_id"] = v
		}
		send("task_history", params)
	case "history-entry":
		usage := "usage: taskledger task history-entry --task <id> --audit <id>"
		f := parseFlags(rest, usage, "--task", "--audit")
		requireFlags(f, usage, "--task", "--audit")
		auditID, err := strconv.ParseInt(f["--audit"], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --audit value: %s\n", f["--audit"])
			os.Exit(1)
		}
		send("task_history_entry", map[string]any{"task_id": f["--task"], "audit_id": auditID})
	case "materials-history":
		usage := "usage: taskledger task materials-history --task <id> [--limit <n>]"
		f := parseFlags(rest, usage, "--task", "--limit")
		requireFlags(f, usage, "--task")
		params := map[string]any{"task_id": f["--task"]}
		if v, ok := f["--limit"]; ok {
			params["limit"] = atoiFlag("--limit", v)
		}
		send("material_history", params)
	default:
		fmt.Fprintf(os.Stderr, "unknown task subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runDelta(args []string) {
	usage := "usage: taskledger delta --task <id> --material <id> --actor <id> --delta <n> [--action-id <uuid>]"
	f := parseFlags(args, usage, "--task", "--material", "--actor", "--delta", "--action-id")
	requireFlags(f, usage, "--task", "--material", "--actor", "--delta")

	actionID := f["--action-id"]
	if actionID == "" {
		actionID = model.NewID()
	}
	// The daemon validates the delta itself; pass it through as text.
	send("delta_apply", map[string]any{
		"action_id":   actionID,
		"task_id":     f["--task"],
		"material_id": f["--material"],
		"actor_id":    f["--actor"],
		"delta":       f["--delta"],
	})
}

func runSession(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: taskledger session <create|summary> [options]")
		os.Exit(1)
	}
	rest := args[1:]
	switch args[0] {
	case "create":
		usage := "usage: taskledger session create --task <id> --operator <id>"
		f := parseFlags(rest, usage, "--task", "--operator")
		requireFlags(f, usage, "--task", "--operator")
		send("session_create", map[string]any{"task_id": f["--task"], "operator_id": f["--operator"]})
	case "summary":
		usage := "usage: taskledger session summary --task <id> --operator <id> [--session <id>]"
		f := parseFlags(rest, usage, "--task", "--operator", "--session")
		requireFlags(f, usage, "--task", "--operator")
		send("session_summary", map[string]any{
			"task_id":     f["--task"],
			"operator_id": f["--operator"],
			"session_id":  f["--session"],
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown session subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runSummary(args []string) {
	usage := "usage: taskledger summary --task <id>"
	f := parseFlags(args, usage, "--task")
	requireFlags(f, usage, "--task")
	send("summary", map[string]any{"task_id": f["--task"]})
}

func runCatalog(args []string) {
	if len(args) != 1 || args[0] != "reload" {
		fmt.Fprintln(os.Stderr, "usage: taskledger catalog reload")
		os.Exit(1)
	}
	send("catalog_reload", nil)
}

// runJournal works on the files directly and does not need the daemon.
func runJournal(args []string) {
	if len(args) != 1 || args[0] != "verify" {
		fmt.Fprintln(os.Stderr, "usage: taskledger journal verify")
		os.Exit(1)
	}
	dataDir := requireDataDir()
	path := filepath.Join(dataDir, "logs", "ledger.jsonl")
	total, valid, err := events.VerifyJournal(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "journal verify: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %d entries, %d valid\n", path, total, valid)
	if valid != total {
		os.Exit(2)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: taskledger status [--json]\n", a)
			os.Exit(1)
		}
	}

	dataDir := requireDataDir()
	cfg, err := loadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := status.Run(dataDir, cfg, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	dataDir := requireDataDir()

	cfg, err := loadConfig(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(dataDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: taskledger setup <project_dir> [project_name]")
		os.Exit(1)
	}
	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	if err := setup.Run(args[0], name); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(args[0])
	fmt.Printf("Initialized %s/ in %s\n", setup.DataDirName, absDir)
}

// send issues one daemon command and prints its JSON result. Domain
// rejections exit 2, anything else 1.
func send(command string, params map[string]any) {
	dataDir := requireDataDir()

	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}

	if err := resp.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed %v\n", command, err)
		os.Exit(exitCode(err))
	}

	out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
	fmt.Println(string(out))
}

func exitCode(err error) int {
	var respErr *uds.ResponseError
	if !errors.As(err, &respErr) {
		return 1
	}
	switch respErr.Code {
	case uds.ErrCodeNotFound, uds.ErrCodeForbidden, uds.ErrCodeConflict, uds.ErrCodeValidation:
		return 2
	default:
		return 1
	}
}

// parseFlags reads "--name value" pairs, accepting only the given names.
func parseFlags(args []string, usage string, names ...string) map[string]string {
	f, err := scanFlags(args, names)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	return f
}

func scanFlags(args, names []string) (map[string]string, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	f := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if !known[args[i]] {
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%s requires a value", args[i])
		}
		f[args[i]] = args[i+1]
		i++
	}
	return f, nil
}

func requireFlags(f map[string]string, usage string, names ...string) {
	for _, n := range names {
		if f[n] == "" {
			fmt.Fprintf(os.Stderr, "%s is required\n", n)
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(1)
		}
	}
}

func atoiFlag(name, v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", name, v)
		os.Exit(1)
	}
	return n
}

func requireDataDir() string {
	dataDir := findDataDir()
	if dataDir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'taskledger setup <dir>' first.\n", setup.DataDirName)
		os.Exit(1)
	}
	return dataDir
}

// findDataDir searches for .taskledger/ in the current directory and ancestors.
func findDataDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return findDataDirFrom(dir)
}

func findDataDirFrom(dir string) string {
	for {
		candidate := filepath.Join(dir, setup.DataDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(dataDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg.WithDefaults(), nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskledger %s - task execution ledger

Usage: taskledger <command> [options]

Setup:
  setup <dir> [name]                 Initialize .taskledger/ directory
  daemon                             Run daemon process

Tasks (CLI → Daemon):
  task start --task <id> --operator <id>
  task header --task <id>
  task history --task <id> [--limit n] [--before ts] [--action a] [--actor id]
  task history-entry --task <id> --audit <id>
  task materials-history --task <id> [--limit n]

Ledger:
  delta --task <id> --material <id> --actor <id> --delta <n> [--action-id <uuid>]
  session create --task <id> --operator <id>
  session summary --task <id> --operator <id> [--session <id>]
  summary --task <id>
  materials                          List the material catalog

Maintenance:
  catalog reload                     Reload catalog.yaml now
  status [--json]                    Daemon state, task counts, journal size
  journal verify                     Check ledger journal checksums
  ping                               Check the daemon is up
  shutdown                           Stop the daemon
  version                            Show version
  help                               Show this help

`, version)
}
