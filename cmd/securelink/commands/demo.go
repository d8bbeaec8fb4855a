package commands

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/securelink"
	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/transport"
)

func demoCmd() *cobra.Command {
	var (
		faults  transport.Faults
		seed    int64
		message string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Handshake over an in-memory link and send one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &syncWriter{w: cmd.OutOrStdout()}

			la, lb := transport.NewLoopbackPair(faults, seed)
			la.Start()
			lb.Start()

			opts := newEndpointOptions()

			initiator, err := securelink.NewEndpoint(la, opts)
			if err != nil {
				return err
			}
			defer initiator.Close()
			responder, err := securelink.NewEndpoint(lb, opts)
			if err != nil {
				return err
			}
			defer responder.Close()

			received := make(chan string, 1)
			failed := make(chan string, 2)
			done := make(chan struct{})
			defer close(done)

			responder.OnReceive(func(_ net.Addr, data []byte, _ transport.Channel) {
				select {
				case received <- string(data):
				default:
				}
			})
			initiator.OnReady(func(addr net.Addr, fp string) {
				fmt.Fprintf(out, "initiator: secure session with %s\n", fp)
				// The loopback link may drop data too; repeat until it lands.
				go func() {
					ticker := time.NewTicker(100 * time.Millisecond)
					defer ticker.Stop()
					for {
						_ = initiator.Send(addr, []byte(message), transport.Reliable)
						select {
						case <-done:
							return
						case <-ticker.C:
						}
					}
				}()
			})
			responder.OnReady(func(_ net.Addr, fp string) {
				fmt.Fprintf(out, "responder: secure session with %s\n", fp)
			})
			onError := func(_ net.Addr, kind crypto.ErrorKind, msg string) {
				select {
				case failed <- fmt.Sprintf("%s: %s", kind, msg):
				default:
				}
			}
			initiator.OnError(onError)
			responder.OnError(onError)

			if err := initiator.Dial(la.PeerAddr()); err != nil {
				return err
			}

			select {
			case got := <-received:
				fmt.Fprintf(out, "responder received: %s\n", got)
				return nil
			case reason := <-failed:
				return fmt.Errorf("demo failed: %s", reason)
			case <-time.After(timeout):
				return fmt.Errorf("no message within %s", timeout)
			}
		},
	}
	cmd.Flags().Float64Var(&faults.DropRate, "drop", 0, "fraction of packets the link drops")
	cmd.Flags().Float64Var(&faults.DuplicateRate, "dup", 0, "fraction of packets the link duplicates")
	cmd.Flags().BoolVar(&faults.Reorder, "reorder", false, "shuffle packets in flight")
	cmd.Flags().Int64Var(&seed, "seed", 1, "seed for fault injection")
	cmd.Flags().StringVar(&message, "message", "hello", "payload to send once the session is ready")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "give up after this long")
	return cmd
}
