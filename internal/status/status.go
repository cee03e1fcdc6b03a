package status

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/msageha/taskledger/internal/events"
	"github.com/msageha/taskledger/internal/model"
	"github.com/msageha/taskledger/internal/uds"
	ledgeryaml "github.com/msageha/taskledger/internal/yaml"
)

type LedgerStatus struct {
	Daemon  DaemonStatus   `json:"daemon"`
	Tasks   []TaskCount    `json:"tasks,omitempty"`
	Totals  *Totals        `json:"totals,omitempty"`
	Journal *JournalStatus `json:"journal,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
}

type TaskCount struct {
	Status model.TaskStatus `json:"status"`
	Count  int              `json:"count"`
}

type Totals struct {
	Materials       int `json:"materials"`
	ActiveMaterials int `json:"active_materials"`
	Actions         int `json:"actions"`
	Sessions        int `json:"sessions"`
}

type JournalStatus struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Archives  int    `json:"archives"`
}

// Run collects the ledger status and prints it. The state file is read
// directly, so counts reflect the last commit even when the daemon is down.
func Run(dataDir string, cfg model.Config, jsonOutput bool) error {
	status := Collect(dataDir, cfg)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	printStatus(status)
	return nil
}

func Collect(dataDir string, cfg model.Config) LedgerStatus {
	status := LedgerStatus{
		Daemon: checkDaemon(filepath.Join(dataDir, uds.DefaultSocketName)),
	}
	if cfg.Store.Persist {
		statePath := cfg.Store.StateFile
		if !filepath.IsAbs(statePath) {
			statePath = filepath.Join(dataDir, statePath)
		}
		status.Tasks, status.Totals = readState(statePath)
	}
	if cfg.Journal.Enabled {
		status.Journal = journalStatus(filepath.Join(dataDir, "logs", "ledger"+events.JournalExtension))
	}
	return status
}

func checkDaemon(sockPath string) DaemonStatus {
	client := uds.NewClient(sockPath)
	resp, err := client.SendCommand("ping", nil)
	if err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: resp.Success}
}

// stateSummary decodes only what status needs from the persisted state.
type stateSummary struct {
	Tasks []struct {
		Status model.TaskStatus `yaml:"status"`
	} `yaml:"tasks"`
	Materials []struct {
		Active bool `yaml:"active"`
	} `yaml:"materials"`
	Actions  []yaml.Node `yaml:"actions"`
	Sessions []yaml.Node `yaml:"sessions"`
}

func readState(path string) ([]TaskCount, *Totals) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("status: failed to read %s: %v", path, err)
		}
		return nil, nil
	}
	if err := ledgeryaml.ValidateSchemaHeaderFromBytes(data, ledgeryaml.FileTypeLedgerState); err != nil {
		log.Printf("status: invalid schema in %s: %v", path, err)
		return nil, nil
	}

	var st stateSummary
	if err := yaml.Unmarshal(data, &st); err != nil {
		log.Printf("status: failed to parse %s: %v", path, err)
		return nil, nil
	}

	counts := make(map[model.TaskStatus]int)
	for _, t := range st.Tasks {
		counts[t.Status]++
	}
	tasks := make([]TaskCount, 0, len(counts))
	for s, n := range counts {
		tasks = append(tasks, TaskCount{Status: s, Count: n})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Status < tasks[j].Status })

	totals := &Totals{
		Materials: len(st.Materials),
		Actions:   len(st.Actions),
		Sessions:  len(st.Sessions),
	}
	for _, m := range st.Materials {
		if m.Active {
			totals.ActiveMaterials++
		}
	}
	return tasks, totals
}

func journalStatus(path string) *JournalStatus {
	js := &JournalStatus{Path: path}
	if info, err := os.Stat(path); err == nil {
		js.SizeBytes = info.Size()
	}
	entries, err := os.ReadDir(filepath.Join(filepath.Dir(path), events.ArchiveDir))
	if err != nil {
		return js
	}
	prefix := strings.TrimSuffix(filepath.Base(path), events.JournalExtension) + "."
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			js.Archives++
		}
	}
	return js
}

func printStatus(s LedgerStatus) {
	// Daemon
	if s.Daemon.Running {
		fmt.Println("Daemon: running")
	} else {
		fmt.Println("Daemon: stopped")
	}

	// Tasks
	if len(s.Tasks) > 0 {
		fmt.Println("\nTasks:")
		fmt.Printf("  %-12s  %5s\n", "STATUS", "COUNT")
		for _, t := range s.Tasks {
			fmt.Printf("  %-12s  %5d\n", t.Status, t.Count)
		}
	} else {
		fmt.Println("\nTasks: none")
	}

	if s.Totals != nil {
		fmt.Printf("\nMaterials: %d (%d active)\n", s.Totals.Materials, s.Totals.ActiveMaterials)
		fmt.Printf("Ledger rows: %d  Sessions: %d\n", s.Totals.Actions, s.Totals.Sessions)
	}

	if s.Journal != nil {
		fmt.Printf("\nJournal: %s (%d bytes, %d archived)\n", s.Journal.Path, s.Journal.SizeBytes, s.Journal.Archives)
	}
}
