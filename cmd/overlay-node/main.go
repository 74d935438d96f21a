package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"overlaynode/internal/events"
	"overlaynode/internal/identity"
	"overlaynode/internal/pprofutil"
	"overlaynode/libnode"
)

const onlineWait = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "overlay-node",
		Short:         "Run and inspect an overlay node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(runCmd(stdout, stderr), identityCmd(stdout), versionCmd(stdout))
	return root
}

func versionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the library version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			major, minor, patch := libnode.NodeVersion()
			fmt.Fprintf(stdout, "overlay-node %d.%d.%d (0x%08x)\n", major, minor, patch, libnode.PackedVersion())
			return nil
		},
	}
}

type identityYAML struct {
	Identity struct {
		ProofOfWork int32  `yaml:"proof-of-work"`
		PublicKey   string `yaml:"public-key"`
		SecretKey   string `yaml:"secret-key"`
	} `yaml:"identity"`
}

func identityCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage node identities",
	}
	var difficulty uint8
	var out string
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate an identity and print it as a config snippet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Generate(cmd.Context(), difficulty)
			if err != nil {
				return err
			}
			if out != "" {
				if err := identity.Save(out, id); err != nil {
					return err
				}
			}
			var doc identityYAML
			doc.Identity.ProofOfWork = id.ProofOfWork()
			doc.Identity.PublicKey = id.PublicKey().String()
			doc.Identity.SecretKey = id.SecretKeyHex()
			enc := yaml.NewEncoder(stdout)
			enc.SetIndent(2)
			if err := enc.Encode(doc); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	gen.Flags().Uint8Var(&difficulty, "difficulty", identity.DefaultDifficulty, "proof of work difficulty in hex nibbles")
	gen.Flags().StringVar(&out, "out", "", "also write the identity file to this path (mode 0600)")
	cmd.AddCommand(gen)
	return cmd
}

type runFlags struct {
	config      string
	sendTo      string
	message     string
	metricsAddr string
	debug       bool
}

func runCmd(stdout, stderr io.Writer) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and print its events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, f, stdout, stderr)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "config file (JSON or YAML)")
	cmd.Flags().StringVar(&f.sendTo, "send-to", "", "address to send --message to once online")
	cmd.Flags().StringVar(&f.message, "message", "", "message text for --send-to")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /debug/pprof/ on this loopback address")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "enable debug logging")
	return cmd
}

func runNode(ctx context.Context, f runFlags, stdout, stderr io.Writer) error {
	var cfg []byte
	if f.config != "" {
		b, err := os.ReadFile(f.config)
		if err != nil {
			return err
		}
		cfg = b
	}
	var recipient libnode.Address
	if f.sendTo != "" {
		a, err := libnode.ParseAddress(f.sendTo)
		if err != nil {
			return err
		}
		recipient = a
	}

	rt := libnode.NewRuntime()
	defer rt.Teardown()
	if f.debug {
		rt.SetLogLevel(libnode.LogDebug)
	}

	if f.metricsAddr != "" {
		srv, err := pprofutil.Start(f.metricsAddr, pprofutil.AllowPublicFromEnv(), rt.Metrics().Registry(), nil)
		if err != nil {
			return err
		}
		defer srv.Close()
		fmt.Fprintf(stderr, "metrics: http://%s/metrics\n", srv.Addr())
	}

	printer := &eventPrinter{w: stdout}
	fatal := make(chan string, 1)
	err := rt.NodeInit(cfg, func(ev libnode.Event) {
		printer.print(ev)
		if ev.Code == int(events.CodeNodeUnrecoverableError) {
			select {
			case fatal <- ev.Error:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	if err := rt.NodeStart(); err != nil {
		return err
	}

	var runErr error
	if f.sendTo != "" {
		runErr = sendWhenOnline(ctx, rt, recipient, []byte(f.message), fatal)
	}
	if runErr == nil {
		select {
		case <-ctx.Done():
		case msg := <-fatal:
			runErr = fmt.Errorf("unrecoverable: %s", msg)
		}
	}

	if err := rt.NodeStop(); err != nil {
		return errors.Join(runErr, err)
	}
	return errors.Join(runErr, rt.ShutdownEventLoop())
}

func sendWhenOnline(ctx context.Context, rt *libnode.Runtime, to libnode.Address, payload []byte, fatal chan string) error {
	deadline := time.NewTimer(onlineWait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !rt.NodeIsOnline() {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-fatal:
			return fmt.Errorf("unrecoverable: %s", msg)
		case <-deadline.C:
			return fmt.Errorf("not online after %s", onlineWait)
		case <-tick.C:
		}
	}
	return rt.NodeSend(to, payload)
}

type jsonEvent struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Node    string `json:"node,omitempty"`
	Peer    string `json:"peer,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *eventPrinter) print(ev libnode.Event) {
	out := jsonEvent{Code: ev.Code, Name: events.Code(ev.Code).String(), Error: ev.Error}
	if ev.Node != nil {
		out.Node = ev.Node.Identity.PublicKey.String()
	}
	if ev.Peer != nil {
		out.Peer = ev.Peer.Address.String()
	}
	if ev.MessageSender != nil {
		out.Sender = ev.MessageSender.String()
		out.Payload = string(ev.MessagePayload)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.w.Write(append(b, '\n'))
}
