package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/msgconn/internal/node"
	"github.com/danmuck/msgconn/internal/transport"
	"github.com/spf13/cobra"
)

func newListenCmd(a *app) *cobra.Command {
	var listenAddr, adminAddr string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run an echo node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if adminAddr != "" {
				cfg.AdminAddr = adminAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n := node.New(cfg)
			if err := n.Start(ctx); err != nil {
				return err
			}
			defer n.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s listening on %s\n", cfg.Identity, n.Addr())
			return n.ServeEcho(ctx)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "udp listen address (overrides config)")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "admin http address (overrides config)")
	return cmd
}

func newSendCmd(a *app) *cobra.Command {
	var (
		listenAddr string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <peer> <addr> <message>",
		Short: "Send a message to a peer and print its reply",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			cfg.ListenAddr = listenAddr
			cfg.AdminAddr = ""
			if timeout > 0 {
				cfg.ReadTimeout = timeout
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			n := node.New(cfg)
			if err := n.Start(ctx); err != nil {
				return err
			}
			defer n.Close()

			c, err := n.Dial(transport.Identity(args[0]), args[1])
			if err != nil {
				return err
			}
			reply, err := n.Exchange(ctx, c, []byte(args[2]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:0", "local udp address to send from")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-reply read timeout (overrides config)")
	return cmd
}
