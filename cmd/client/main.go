package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/omochice/rtdb-transport/internal/config"
	"github.com/omochice/rtdb-transport/internal/metrics"
	"github.com/omochice/rtdb-transport/internal/transport"
	"github.com/omochice/rtdb-transport/internal/transport/ws"
	"github.com/omochice/rtdb-transport/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	cfgFile     string
	host        string
	namespace   string
	lastSession string
	secure      bool
	metricsAddr string
	verbose     bool
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	infoFmt = color.New(color.FgYellow).SprintFunc()
	pushFmt = color.New(color.FgCyan).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "client",
	Short: "Interactive realtime database client",
	Long: `Connects to a realtime database server, prints the handshake and
server pushes, and sends requests typed on stdin.

Input lines:
  ping                   measure the round trip to the server
  <action> [json-body]   send a request, e.g. q {"p":"/users"}
  quit                   close the connection`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "rtdb.yaml", "config file")
	rootCmd.Flags().StringVar(&host, "host", "", "server host[:port]")
	rootCmd.Flags().StringVarP(&namespace, "namespace", "n", "", "database namespace")
	rootCmd.Flags().StringVar(&lastSession, "last-session", "", "session id of a previous connection")
	rootCmd.Flags().BoolVar(&secure, "secure", true, "connect with wss:// (--secure=false for ws://)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}

	if host != "" {
		cfg.Host = host
	}
	if namespace != "" {
		cfg.Namespace = namespace
	}
	if lastSession != "" {
		cfg.LastSessionID = lastSession
	}
	if cmd.Flags().Changed("secure") {
		cfg.Secure = secure
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx := cmd.Context()
	t := ws.Dial(ctx, cfg, transport.WithLogger(logger), transport.WithMetrics(m))
	defer t.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", infoFmt("connecting"), ws.URL(cfg))

	select {
	case <-t.Ready().Done():
	case <-t.Done().Done():
		printDone(out, t)
		return errors.New("connection closed before handshake")
	case <-ctx.Done():
		return ctx.Err()
	}

	info, _ := t.Ready().Value()
	fmt.Fprintf(out, "%s session=%s host=%s version=%s\n",
		okFmt("connected"), info.SessionID, info.Host, info.Version)

	sub := t.Subscribe()
	go printPushes(ctx, out, sub)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var reqNum int64
	for {
		select {
		case <-ctx.Done():
			t.Close()
			printDone(out, t)
			return nil
		case <-t.Done().Done():
			printDone(out, t)
			return nil
		case text, ok := <-lines:
			if !ok {
				return nil
			}
			text = strings.TrimSpace(text)
			switch text {
			case "":
				continue
			case "quit", "exit":
				t.Close()
				printDone(out, t)
				return nil
			case "ping":
				sendPing(ctx, out, t)
				continue
			}

			req, err := parseRequest(text)
			if err != nil {
				fmt.Fprintln(out, errFmt("error:"), err)
				continue
			}
			reqNum++
			req.ReqNum = reqNum
			sendRequest(ctx, out, t, req)
		}
	}
}

// parseRequest reads "<action> [json-object]".
func parseRequest(line string) (protocol.Data, error) {
	action, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	if action == "" {
		return protocol.Data{}, errors.New("empty request")
	}

	req := protocol.Data{Action: action}
	if rest = strings.TrimSpace(rest); rest != "" {
		body := &structpb.Struct{}
		if err := protojson.Unmarshal([]byte(rest), body); err != nil {
			return protocol.Data{}, fmt.Errorf("invalid body: %w", err)
		}
		req.Body = body
	}
	return req, nil
}

func sendRequest(ctx context.Context, out io.Writer, t *transport.Transport, req protocol.Data) {
	f, err := t.Submit(ctx, req)
	if err != nil {
		fmt.Fprintln(out, errFmt("error:"), err)
		return
	}
	go func() {
		select {
		case <-f.Done():
			resp, _ := f.Value()
			fmt.Fprintf(out, "%s #%d %s\n", okFmt("reply"), resp.ReqNum, formatBody(resp.Body))
		case <-t.Done().Done():
		}
	}()
}

func sendPing(ctx context.Context, out io.Writer, t *transport.Transport) {
	f, err := t.Ping()
	if err != nil {
		fmt.Fprintln(out, errFmt("error:"), err)
		return
	}
	go func() {
		select {
		case <-f.Done():
			rtt, _ := f.Value()
			fmt.Fprintf(out, "%s %s\n", okFmt("pong"), rtt.Round(time.Microsecond))
		case <-t.Done().Done():
		case <-ctx.Done():
		}
	}()
}

func printPushes(ctx context.Context, out io.Writer, sub *transport.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.Numbered() {
			continue
		}
		fmt.Fprintf(out, "%s %s %s\n", pushFmt("push"), msg.Action, formatBody(msg.Body))
	}
}

func printDone(out io.Writer, t *transport.Transport) {
	state, _ := t.Done().Value()
	fmt.Fprintf(out, "%s %s", infoFmt("closed"), state)
	if h := t.ResetHost(); h != "" {
		fmt.Fprintf(out, " reconnect-to=%s", h)
	}
	if r := t.ShutdownReason(); r != "" {
		fmt.Fprintf(out, " reason=%q", r)
	}
	fmt.Fprintln(out)
}

func formatBody(body *structpb.Struct) string {
	if body == nil {
		return dimFmt("{}")
	}
	data, err := protojson.Marshal(body)
	if err != nil {
		return errFmt(err.Error())
	}
	return string(data)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
