package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/securelink"
	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/session"
	"github.com/opd-ai/securelink/transport"
)

// chatConfig holds the flags shared by listen and dial.
type chatConfig struct {
	addr   string
	key    string
	pins   []string
	remote string
}

func (c *chatConfig) bind(cmd *cobra.Command, defaultAddr string) {
	cmd.Flags().StringVar(&c.addr, "addr", defaultAddr, "local UDP address to bind")
	cmd.Flags().StringVar(&c.key, "key", "", "key file to present (default: a fresh key per session)")
	cmd.Flags().StringSliceVar(&c.pins, "pin", nil, "only accept peers with this fingerprint (repeatable)")
}

func listenCmd() *cobra.Command {
	var cfg chatConfig
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept secure sessions and chat with every connected peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := newChatEndpoint(&cfg)
			if err != nil {
				return err
			}
			defer ep.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "* listening on %s\n", ep.LocalAddr())
			return runChat(cmd, ep, nil)
		},
	}
	cfg.bind(cmd, "0.0.0.0:7777")
	return cmd
}

func dialCmd() *cobra.Command {
	var cfg chatConfig
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Open a secure session to a listener and chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := net.ResolveUDPAddr("udp", cfg.remote)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", cfg.remote, err)
			}

			ep, err := newChatEndpoint(&cfg)
			if err != nil {
				return err
			}
			defer ep.Close()

			return runChat(cmd, ep, remote)
		},
	}
	cfg.bind(cmd, "0.0.0.0:0")
	cmd.Flags().StringVar(&cfg.remote, "remote", "", "listener address, host:port")
	_ = cmd.MarkFlagRequired("remote")
	return cmd
}

func newChatEndpoint(cfg *chatConfig) (*securelink.Endpoint, error) {
	opts := newEndpointOptions()

	if cfg.key != "" {
		cred, err := crypto.LoadCredential(cfg.key)
		if err != nil {
			return nil, err
		}
		logger.WithField("fingerprint", cred.Fingerprint()).Info("Using key file")
		cred.Wipe()

		path := cfg.key
		opts.Credentials = func() (*crypto.Credential, error) {
			return crypto.LoadCredential(path)
		}
	}

	if len(cfg.pins) > 0 {
		pinned := session.PinFingerprints(cfg.pins...)
		opts.ValidateRemoteKey = func(_ net.Addr, fp string, der []byte) bool {
			return pinned(fp, der)
		}
	}

	link, err := transport.NewUDPLink(cfg.addr)
	if err != nil {
		return nil, err
	}
	ep, err := securelink.NewEndpoint(link, opts)
	if err != nil {
		link.Close()
		return nil, err
	}
	return ep, nil
}

// runChat sends each stdin line to every ready peer and prints what peers
// send. With a remote address it dials first and returns when that session
// fails.
func runChat(cmd *cobra.Command, ep *securelink.Endpoint, remote net.Addr) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &syncWriter{w: cmd.OutOrStdout()}
	var (
		mu    sync.Mutex
		peers = make(map[string]net.Addr)
	)
	dialFailed := make(chan error, 1)

	ep.OnReady(func(addr net.Addr, fp string) {
		mu.Lock()
		peers[addr.String()] = addr
		mu.Unlock()
		fmt.Fprintf(out, "* secure session with %s (%s)\n", addr, fp)
	})
	ep.OnReceive(func(addr net.Addr, data []byte, _ transport.Channel) {
		fmt.Fprintf(out, "[%s] %s\n", addr, data)
	})
	ep.OnError(func(addr net.Addr, kind crypto.ErrorKind, msg string) {
		mu.Lock()
		delete(peers, addr.String())
		mu.Unlock()
		fmt.Fprintf(out, "* session with %s failed: %s\n", addr, kind)
		if remote != nil && addr.String() == remote.String() {
			select {
			case dialFailed <- fmt.Errorf("%s: %s", kind, msg):
			default:
			}
		}
	})

	if remote != nil {
		fmt.Fprintf(out, "* dialing %s\n", remote)
		if err := ep.Dial(remote); err != nil {
			return err
		}
	}

	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-dialFailed:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			mu.Lock()
			targets := make([]net.Addr, 0, len(peers))
			for _, addr := range peers {
				targets = append(targets, addr)
			}
			mu.Unlock()

			if len(targets) == 0 {
				fmt.Fprintln(out, "* no secure sessions yet")
				continue
			}
			for _, addr := range targets {
				if err := ep.Send(addr, []byte(line), transport.Reliable); err != nil {
					logger.WithFields(logrus.Fields{
						"peer":  addr.String(),
						"error": err.Error(),
					}).Warn("Send failed")
				}
			}
		}
	}
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// syncWriter serializes writes from callback goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
