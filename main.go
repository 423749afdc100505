// Command culvert manages persistent SSH tunnels: local and remote port
// forwards plus a dynamic SOCKS5/HTTP proxy, supervised with automatic
// reconnect.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/culvert-dev/culvert/internal/store"
	"github.com/culvert-dev/culvert/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     = pflag.String("config", defaultConfigPath(), "Path to the tunnel configuration file")
		passphraseFile = pflag.String("passphrase-file", "", "File holding the passphrase that unlocks stored secrets. Empty means secrets are stored in plaintext.")
		list           = pflag.Bool("list", false, "List configured tunnels and exit")
		only           = pflag.StringSlice("tunnels", nil, "Start only these tunnels (names or IDs). Empty starts all.")

		retryDelay       = pflag.Duration("retry-delay", tunnel.DefaultRetryDelay, "Pause between reconnect attempts")
		dialTimeout      = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for the TCP connection to the SSH server or proxy")
		handshakeTimeout = pflag.Duration("handshake-timeout", 15*time.Second, "Timeout for the SSH handshake")
		knownHosts       = pflag.String("known-hosts", defaultKnownHostsPath(), "Path to known_hosts file for SSH host key verification, or empty to disable")
		verbose          = pflag.Bool("verbose", false, "Enable per-connection error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	cipher, err := loadCipher(*passphraseFile)
	if err != nil {
		return err
	}

	st := store.New(*configPath, cipher)
	specs, err := st.Load()
	if err != nil {
		return err
	}

	if *list {
		if len(specs) == 0 {
			fmt.Println("no tunnels configured")
			return nil
		}
		for _, s := range specs {
			fmt.Printf("%s  %-20s %-8s %s\n", s.ID, s.Name, s.Kind, s.ForwardingRule())
		}
		return nil
	}

	specs = filterSpecs(specs, *only)
	if len(specs) == 0 {
		return fmt.Errorf("no tunnels to start (config: %s)", *configPath)
	}
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("tunnel %q: %w", s.Name, err)
		}
	}

	reg := tunnel.NewRegistry(tunnel.Config{
		RetryDelay:       *retryDelay,
		DialTimeout:      *dialTimeout,
		HandshakeTimeout: *handshakeTimeout,
		KnownHostsPath:   *knownHosts,
		Verbose:          *verbose,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	names := make(map[string]string, len(specs))
	for _, s := range specs {
		names[s.ID] = s.Name
	}
	stopLog := make(chan struct{})
	logDone := make(chan struct{})
	go logEvents(reg.Events(), names, stopLog, logDone)

	started := reg.StartAll(specs)
	log.Printf("started %d tunnel(s)", started)

	<-ctx.Done()
	log.Print("shutting down")
	reg.StopAll()

	// StopAll returns once every worker has emitted its final event, so
	// stopping the logger now still lets it drain the stopped transitions.
	close(stopLog)
	<-logDone
	return nil
}

// logEvents writes status transitions to the log. When stop is closed it
// drains whatever is already buffered before closing done, so shutdown
// transitions are not lost.
func logEvents(events <-chan tunnel.Event, names map[string]string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	logEvent := func(ev tunnel.Event) {
		name := names[ev.ID]
		if name == "" {
			name = ev.ID
		}
		if ev.Message != "" {
			log.Printf("tunnel %s: %s (%s)", name, ev.State, ev.Message)
		} else {
			log.Printf("tunnel %s: %s", name, ev.State)
		}
	}

	for {
		select {
		case <-stop:
			for {
				select {
				case ev := <-events:
					logEvent(ev)
				default:
					return
				}
			}
		case ev := <-events:
			logEvent(ev)
		}
	}
}

// filterSpecs keeps only the tunnels whose name or ID is listed in only.
// An empty filter keeps everything.
func filterSpecs(specs []tunnel.Spec, only []string) []tunnel.Spec {
	if len(only) == 0 {
		return specs
	}

	want := make(map[string]bool, len(only))
	for _, s := range only {
		want[strings.TrimSpace(s)] = true
	}

	var out []tunnel.Spec
	for _, s := range specs {
		if want[s.Name] || want[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func loadCipher(passphraseFile string) (store.Cipher, error) {
	if passphraseFile == "" {
		return store.Plaintext{}, nil
	}
	data, err := os.ReadFile(passphraseFile) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading passphrase file: %w", err)
	}
	pass := strings.TrimSpace(string(data))
	if pass == "" {
		return nil, fmt.Errorf("passphrase file %s is empty", passphraseFile)
	}
	return store.NewKeyCipher(pass), nil
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "culvert", "tunnels.yaml")
	}
	return "tunnels.yaml"
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
