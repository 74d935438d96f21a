package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"overlaynode/internal/identity"
	"overlaynode/internal/logging"
	"overlaynode/internal/metrics"
	"overlaynode/internal/network"
	"overlaynode/internal/pprofutil"
	"overlaynode/internal/relay"
)

const (
	defaultListen   = "0.0.0.0:22527"
	maxConnsPerHost = 16
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := &cobra.Command{
		Use:           "overlay-superpeer",
		Short:         "Run an overlay super peer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(runCmd(stdout))
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

type runFlags struct {
	listen        string
	minDifficulty uint8
	identity      string
	metricsAddr   string
}

func runCmd(stdout io.Writer) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Admit nodes, introduce them and relay their traffic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, f, stdout)
		},
	}
	cmd.Flags().StringVar(&f.listen, "listen", defaultListen, "UDP address for QUIC")
	cmd.Flags().Uint8Var(&f.minDifficulty, "min-difficulty", identity.DefaultDifficulty, "minimum proof of work of joining nodes")
	cmd.Flags().StringVar(&f.identity, "identity", "", "identity file, created when missing")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /debug/pprof/ on this loopback address")
	return cmd
}

func serve(ctx context.Context, f runFlags, stdout io.Writer) error {
	hub := logging.NewHub()
	defer hub.Close()
	log := hub.Logger("superpeer")

	self, err := identity.LoadOrCreate(ctx, identity.Options{Path: f.identity, Difficulty: identity.DefaultDifficulty})
	if err != nil {
		return err
	}
	m := metrics.New()
	if f.metricsAddr != "" {
		srv, err := pprofutil.Start(f.metricsAddr, pprofutil.AllowPublicFromEnv(), m.Registry(), log)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	tr, err := network.NewQUIC(log.Named("network"), maxConnsPerHost)
	if err != nil {
		return err
	}
	ln, err := tr.Listen(f.listen)
	if err != nil {
		return err
	}
	defer ln.Close()
	// Nodes pin this super peer with the printed endpoint.
	fmt.Fprintf(stdout, "%s@%s\n", self.PublicKey(), ln.Addr())
	log.Info("super peer listening", zap.String("addr", ln.Addr()), zap.Uint8("min_difficulty", f.minDifficulty))

	srv := relay.NewServer(relay.Options{Self: self, MinDifficulty: f.minDifficulty}, log.Named("relay"), m)
	if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
