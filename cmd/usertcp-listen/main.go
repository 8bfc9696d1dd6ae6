// Command usertcp-listen binds a listening socket and accepts one inbound
// handshake, then exits. It demonstrates the tcp4 engine's passive-open
// path end to end against a real raw socket.
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
		addr    string
		port    uint16
		timeout time.Duration
		verbose bool
	)

	flag.StringVarP(&iface, "iface", "i", "", "bind to this interface (optional, requires CAP_NET_ADMIN)")
	flag.StringVarP(&addr, "addr", "a", "10.0.0.1", "local IPv4 address to listen on")
	flag.Uint16VarP(&port, "port", "p", 9000, "local TCP port to listen on")
	flag.DurationVarP(&timeout, "timeout", "t", 30*time.Second, "how long to wait for one connection")
	flag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")
	flag.Parse()

	log := newLogger(verbose)

	localAddr := net.ParseIP(addr).To4()
	if localAddr == nil {
		fmt.Fprintf(os.Stderr, "bad IPv4 address: %s\n", addr)
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

	listenID, err := engine.Listen(localAddr, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen failed: %v\n", err)
		os.Exit(1)
	}
	log.Info("listening", "socket", listenID)

	childID, err := engine.Accept(ctx, listenID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "accept failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("established: %s\n", childID)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}
