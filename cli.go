package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"pixsimrelay/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("pixsimrelay %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "rooms":
		return cliRooms(args[1:])
	case "dialects":
		return cliDialects(args[1:], dbPath)
	case "config":
		return cliConfig(args[1:], dbPath)
	case "audit":
		return cliAudit(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	n, _ := st.AuditLogCount()
	dialects, _ := st.GetDialectScriptURLs()
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Registered dialects: %d\n", len(dialects))
	fmt.Printf("Audit log entries: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

// cliRooms lists live rooms by querying a running server's admin API —
// the Broker's room registry is in-memory only, so this talks to the
// process over HTTP rather than reading the database.
func cliRooms(args []string) bool {
	apiAddr := "http://localhost:8080"
	if len(args) > 0 {
		apiAddr = args[0]
	}
	resp, err := http.Get(apiAddr + "/pixsim-api/rooms")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error contacting %s: %v\n", apiAddr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var rooms []PublicRoomSummary
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
	if len(rooms) == 0 {
		fmt.Println("No public rooms.")
		return true
	}
	for _, r := range rooms {
		fmt.Printf("  %s  type=%s host=%s teamSize=%d spectators=%v\n",
			r.Code, r.Type, r.HostName, r.TeamSize, r.AllowsSpectators)
	}
	return true
}

func cliDialects(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		urls, err := st.GetDialectScriptURLs()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(urls) == 0 {
			fmt.Println("No dialects registered.")
			return true
		}
		for dialect, url := range urls {
			fmt.Printf("  %s -> %s\n", dialect, url)
		}
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		dialect, url := args[1], args[2]
		if err := st.SetDialectScriptURL(dialect, url); err != nil {
			fmt.Fprintf(os.Stderr, "error setting dialect: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Registered dialect %q -> %s\n", dialect, url)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server dialects [list|set <dialect> <script-url>]\n")
	os.Exit(1)
	return true
}

func cliConfig(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "get" {
		settings, err := st.GetAllSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server config [get|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliAudit(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	action := ""
	if len(args) > 0 {
		action = args[0]
	}
	entries, err := st.GetAuditLog(action, 100)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return true
	}
	for _, e := range entries {
		fmt.Printf("  [%d] %s: %s\n", e.ID, e.Action, e.Detail)
	}
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "pixsimrelay-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
