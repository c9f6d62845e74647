// tagctl is a demo CLI for the tag/level message-exchange engine: an
// interactive REPL that issues Get/Send/Receive/Ctl calls against an
// in-process Engine. It plays the role of the "external entry point"
// the core protocol deliberately leaves unspecified, as the simplest
// possible in-process caller.
//
// Usage:
//
//	tagctl [--max-tags N] [--levels N] [--buffer-size N] [--config path]
//
// Commands (in REPL):
//
//	create <key> [perm]      CREATE a tag (perm: any|owner, default any)
//	open <key>               OPEN an existing tag by key
//	send <fd> <level> <msg>  Non-blocking send
//	recv <fd> <level> [ms]   Blocking receive, optional timeout in ms
//	awake <fd>               AWAKE_ALL on a tag
//	delete <fd>              DELETE a tag
//	status                   Render the status table
//	help                     Show this help
//	exit / quit / q          Exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/tagmux/tagmux"
	"github.com/tagmux/tagmux/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("tagctl", flag.ExitOnError)
	maxTags := fs.Int("max-tags", 0, "maximum live tags (0 = use config/default)")
	levels := fs.Int("levels", 0, "levels per tag (0 = use config/default)")
	bufferSize := fs.Int("buffer-size", 0, "bytes per level buffer (0 = use config/default)")
	configPath := fs.String("config", "", "optional JWCC tunables file")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	if *maxTags > 0 {
		cfg.MaxTags = *maxTags
	}
	if *levels > 0 {
		cfg.Levels = *levels
	}
	if *bufferSize > 0 {
		cfg.BufferSize = *bufferSize
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	engine := tagmux.NewEngine(cfg, nil)
	repl := &REPL{
		engine:    engine,
		sessionID: uuid.NewString(),
	}
	return repl.Run()
}

// REPL is the interactive command loop, a liner-backed REPL over the
// engine's four entry points.
type REPL struct {
	engine    *tagmux.Engine
	sessionID string
	liner     *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tagctl_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("tagctl - tag/level engine CLI (session=%s, max_tags=%d, levels=%d, buffer_size=%s)\n",
		r.sessionID, r.engine.Config().MaxTags, r.engine.Config().Levels, humanize.Bytes(uint64(r.engine.Config().BufferSize)))
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("tagctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "create":
			r.cmdCreate(args)
		case "open":
			r.cmdOpen(args)
		case "send":
			r.cmdSend(args)
		case "recv", "receive":
			r.cmdReceive(args)
		case "awake":
			r.cmdAwake(args)
		case "delete", "del":
			r.cmdDelete(args)
		case "status":
			r.cmdStatus()
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"create", "open", "send", "recv", "receive",
		"awake", "delete", "del", "status", "help",
		"exit", "quit", "q",
	}
	var completions []string
	lower := strings.ToLower(line)
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			completions = append(completions, c)
		}
	}
	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  create <key> [perm]      CREATE a tag (perm: any|owner, default any)")
	fmt.Println("  open <key>               OPEN an existing tag by key")
	fmt.Println("  send <fd> <level> <msg>  Non-blocking send")
	fmt.Println("  recv <fd> <level> [ms]   Blocking receive, optional timeout in ms")
	fmt.Println("  awake <fd>               AWAKE_ALL on a tag")
	fmt.Println("  delete <fd>              DELETE a tag")
	fmt.Println("  status                   Render the status table")
	fmt.Println("  help                     Show this help")
	fmt.Println("  exit / quit / q          Exit")
}

func (r *REPL) callerEUID() int {
	return tagmux.CallerIdentity()
}

func (r *REPL) cmdCreate(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: create <key> [perm]")
		return
	}
	key, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("Error parsing key: %v\n", err)
		return
	}
	perm := tagmux.PermAny
	if len(args) >= 2 && strings.EqualFold(args[1], "owner") {
		perm = tagmux.PermOwner
	}
	fd, err := r.engine.Get(key, tagmux.Create, perm, r.callerEUID())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("OK: descriptor=%d\n", fd)
}

func (r *REPL) cmdOpen(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: open <key>")
		return
	}
	key, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("Error parsing key: %v\n", err)
		return
	}
	fd, err := r.engine.Get(key, tagmux.Open, tagmux.PermAny, r.callerEUID())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("OK: descriptor=%d\n", fd)
}

func (r *REPL) cmdSend(args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: send <fd> <level> <msg>")
		return
	}
	fd, level, ok := parseFdLevel(args[0], args[1])
	if !ok {
		return
	}
	payload := []byte(strings.Join(args[2:], " "))
	n, err := r.engine.Send(fd, level, payload, r.callerEUID())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if n == 1 {
		fmt.Printf("OK: delivered %s\n", humanize.Bytes(uint64(len(payload))))
	} else {
		fmt.Println("OK: discarded (no waiting receiver, or level busy)")
	}
}

func (r *REPL) cmdReceive(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: recv <fd> <level> [ms]")
		return
	}
	fd, level, ok := parseFdLevel(args[0], args[1])
	if !ok {
		return
	}

	ctx := context.Background()
	if len(args) >= 3 {
		ms, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Printf("Error parsing timeout: %v\n", err)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	dest := make([]byte, r.engine.Config().BufferSize)
	code, err := r.engine.Receive(ctx, fd, level, dest, r.callerEUID())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	switch code {
	case 1:
		fmt.Printf("OK: received %q\n", string(dest))
	default:
		fmt.Println("OK: woken with no payload (awake-all or interrupted)")
	}
}

func (r *REPL) cmdAwake(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: awake <fd>")
		return
	}
	fd, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("Error parsing fd: %v\n", err)
		return
	}
	n, err := r.engine.Ctl(fd, tagmux.AwakeAll, r.callerEUID())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if n == 1 {
		fmt.Println("OK: awake-all broadcast")
	} else {
		fmt.Println("OK: no waiters to wake")
	}
}

func (r *REPL) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: delete <fd>")
		return
	}
	fd, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("Error parsing fd: %v\n", err)
		return
	}
	n, err := r.engine.Ctl(fd, tagmux.Delete, r.callerEUID())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if n == 1 {
		fmt.Println("OK: deleted")
	} else {
		fmt.Println("OK: busy, try again (a receiver is mid-wait)")
	}
}

func (r *REPL) cmdStatus() {
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	if err := r.engine.WriteStatus(w); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func parseFdLevel(fdStr, levelStr string) (int, int, bool) {
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Printf("Error parsing fd: %v\n", err)
		return 0, 0, false
	}
	level, err := strconv.Atoi(levelStr)
	if err != nil {
		fmt.Printf("Error parsing level: %v\n", err)
		return 0, 0, false
	}
	return fd, level, true
}
