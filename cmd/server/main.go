package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omochice/rtdb-transport/internal/server"
	"github.com/spf13/cobra"
)

const drainTimeout = 2 * time.Second

var (
	addr          string
	announcedHost string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Fake realtime database server",
	Long: `Serves the realtime websocket protocol on /.ws and echoes every request
back as {"s":"ok","d":<body>}.

Signals:
  SIGHUP           send a reset to every client
  SIGINT, SIGTERM  send a shutdown to every client and stop`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "address to listen on")
	rootCmd.Flags().StringVar(&announcedHost, "host", "localhost", "host announced in handshakes")
}

func run(cmd *cobra.Command, args []string) error {
	srv := server.New(addr, server.WithHost(announcedHost))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		log.Printf("Starting realtime server on %s...", addr)
		errChan <- srv.Start()
	}()

	for {
		select {
		case err := <-errChan:
			if errors.Is(err, server.ErrServerStopped) {
				return nil
			}
			return err
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				n := srv.Reset("")
				log.Printf("Reset %d sessions", n)
				continue
			}
			log.Printf("Received signal %v, shutting down...", sig)
			if n := srv.Shutdown("server stopping"); n > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
				if err := srv.WaitIdle(ctx); err != nil {
					log.Printf("Closing %d sessions that did not drain", srv.SessionCount())
				}
				cancel()
			}
			srv.Stop()
			log.Println("Realtime server stopped")
			return nil
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
