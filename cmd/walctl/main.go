// Command walctl is an offline administration tool for a replica's log
// directory: inspecting segments, forcing a GC pass, and reporting the
// currently persisted hard state. It never runs alongside a live
// walreplica process against the same directory — Recover takes an
// exclusive lock and the second caller will fail to acquire it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/nexusraft/waldb/raftlog"
	"github.com/nexusraft/waldb/sys"
	"github.com/nexusraft/waldb/transport"
	"github.com/nexusraft/waldb/wal"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)
	statusDataDir := statusCmd.String("data-dir", "", "path to the WAL directory")
	statusConfig := statusCmd.String("config", "", "optional config file to read data_dir from")

	gcCmd := flag.NewFlagSet("gc", flag.ExitOnError)
	gcDataDir := gcCmd.String("data-dir", "", "path to the WAL directory")
	gcMaxLastIndex := gcCmd.Uint64("max-last-index", 0, "remove segments whose last index is below this")
	gcYes := gcCmd.Bool("yes", false, "skip the confirmation prompt")

	hashSecretCmd := flag.NewFlagSet("hash-secret", flag.ExitOnError)

	switch os.Args[1] {
	case "status":
		statusCmd.Parse(os.Args[2:])
		handleStatus(resolveDataDir(*statusDataDir, *statusConfig))
	case "gc":
		gcCmd.Parse(os.Args[2:])
		handleGC(resolveDataDir(*gcDataDir, ""), *gcMaxLastIndex, *gcYes)
	case "hash-secret":
		hashSecretCmd.Parse(os.Args[2:])
		handleHashSecret(hashSecretCmd.Args())
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: walctl <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  status      - report segment files, last index, and hard state")
	fmt.Println("  gc          - remove sealed segments below a given last index")
	fmt.Println("  hash-secret - bcrypt-hash a peer shared secret for transport.peer_secret_hash")
	fmt.Println("\nUse 'walctl <command> -h' for more information on a specific command.")
}

// handleHashSecret prints a bcrypt hash of the secret passed as the first
// positional argument, for pasting into a node's transport.peer_secret_hash
// config field.
func handleHashSecret(args []string) {
	if len(args) != 1 {
		fmt.Println("Error: hash-secret takes exactly one argument, the shared secret to hash.")
		os.Exit(1)
	}
	hash, err := transport.HashPeerSecret(args[0])
	if err != nil {
		fmt.Printf("Error: failed to hash secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

// resolveDataDir prefers an explicit -data-dir flag; failing that, reads
// node.data_dir out of a YAML config file via viper, mirroring how a
// deployed walreplica would have been pointed at the same directory.
func resolveDataDir(explicit, configPath string) string {
	if explicit != "" {
		return explicit
	}
	if configPath == "" {
		return ""
	}
	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("warning: could not read config %s: %v\n", configPath, err)
		return ""
	}
	return viper.GetString("node.data_dir")
}

func handleStatus(dataDir string) {
	if dataDir == "" {
		fmt.Println("Error: -data-dir (or a -config pointing at one) is required.")
		os.Exit(1)
	}

	opts := raftlog.Options{LogDir: dataDir}
	m, mem, err := wal.Recover(sys.NewOSFile(), opts)
	if err != nil {
		fmt.Printf("Error: failed to open WAL at %s: %v\n", dataDir, err)
		os.Exit(1)
	}
	defer m.Close()

	fmt.Printf("data_dir:    %s\n", dataDir)
	fmt.Printf("last_index:  %d\n", m.LastIndex())
	hs := mem.HardState()
	fmt.Printf("hard_state:  term=%d vote=%d commit=%d\n", hs.Term, hs.Vote, hs.Commit)
	fmt.Printf("segments:    %d\n", len(m.Files()))
	for _, f := range m.Files() {
		fmt.Printf("  %-24s last_index=%-10d bytes=%d\n", f.FileName, f.LastIndexWritten, f.ByteSize)
	}
}

func handleGC(dataDir string, maxLastIndex uint64, skipConfirm bool) {
	if dataDir == "" {
		fmt.Println("Error: -data-dir is required.")
		os.Exit(1)
	}
	if maxLastIndex == 0 {
		fmt.Println("Error: -max-last-index must be greater than zero.")
		os.Exit(1)
	}

	if !skipConfirm {
		fmt.Printf("This will permanently remove segments below index %d in %s. Continue? [y/N]: ", maxLastIndex, dataDir)
		if !confirm() {
			fmt.Println("Aborted.")
			return
		}
	}

	opts := raftlog.Options{LogDir: dataDir}
	m, _, err := wal.Recover(sys.NewOSFile(), opts)
	if err != nil {
		fmt.Printf("Error: failed to open WAL at %s: %v\n", dataDir, err)
		os.Exit(1)
	}
	defer m.Close()

	before := len(m.Files())
	if err := m.GC(wal.CompactionHint{MaxLastIndex: maxLastIndex}); err != nil {
		fmt.Printf("Error: GC failed: %v\n", err)
		os.Exit(1)
	}
	after := len(m.Files())
	fmt.Printf("Removed %d segment(s); %d remain.\n", before-after, after)
}

// confirm reads a single line from stdin without masking, since it's a
// yes/no prompt rather than a secret. If stdin is not a terminal it
// answers no without reading, so a piped run needs -yes.
func confirm() bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	var resp string
	fmt.Scanln(&resp)
	return resp == "y" || resp == "Y"
}
