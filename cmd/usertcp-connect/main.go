// Command usertcp-connect performs one active-open handshake against a
// remote address and port, then exits. It demonstrates the tcp4 engine's
// active-open path end to end against a real raw socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/netstackgo/usertcp/rawip"
	"github.com/netstackgo/usertcp/tcp4"
)

func main() {
	var (
		iface   string
		remote  string
		port    uint16
		timeout time.Duration
		verbose bool
	)

	flag.StringVarP(&iface, "iface", "i", "", "bind to this interface (optional, requires CAP_NET_ADMIN)")
	flag.StringVarP(&remote, "remote", "r", "", "remote IPv4 address to connect to (required)")
	flag.Uint16VarP(&port, "port", "p", 9000, "remote TCP port to connect to")
	flag.DurationVarP(&timeout, "timeout", "t", 10*time.Second, "how long to wait for the handshake")
	flag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")
	flag.Parse()

	log := newLogger(verbose)

	if remote == "" {
		fmt.Fprintln(os.Stderr, "error: --remote is required")
		flag.Usage()
		os.Exit(2)
	}

	// The engine originates every Connect from a fixed local address
	// (see tcp4.Engine.Connect); the raw socket must be bound the same
	// way so replies route back to it.
	localAddr := net.IPv4(10, 0, 0, 1)
	remoteAddr := net.ParseIP(remote).To4()
	if remoteAddr == nil {
		fmt.Fprintf(os.Stderr, "bad IPv4 address: %s\n", remote)
		os.Exit(2)
	}

	if err := rawip.RequirePrivileges(iface != ""); err != nil {
		fmt.Fprintf(os.Stderr, "privileges check failed: %v\n", err)
		os.Exit(1)
	}

	conn, err := rawip.Dial(localAddr, iface)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open raw socket: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	engine := tcp4.NewEngine(conn, tcp4.EngineConfig{Logger: log})
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	socketID, err := engine.Connect(ctx, remoteAddr, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("established: %s\n", socketID)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}
