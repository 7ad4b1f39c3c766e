// Package cli wires the jsdap command line: serve the Debug Adapter
// Protocol on stdio (the default) or on a TCP listener.
package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/grantcarthew/jsdap/internal/adapter"
	dapconn "github.com/grantcarthew/jsdap/internal/dap"
)

// Version is set at build time.
var Version = "dev"

// Debug enables verbose debug output.
var Debug bool

// Trace enables protocol message traces.
var Trace bool

// Listen is the TCP address to serve on; empty means stdio.
var Listen string

var rootCmd = &cobra.Command{
	Use:           "jsdap",
	Short:         "JavaScript debug adapter",
	Long:          "jsdap bridges Debug Adapter Protocol clients to Chrome DevTools Protocol runtimes: browsers over a debugging pipe or WebSocket, and Node-style processes over inspector IPC.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&Trace, "trace", false, "Enable protocol message traces")
	rootCmd.Flags().StringVar(&Listen, "listen", "", "Serve DAP on a TCP address instead of stdio (e.g. 127.0.0.1:4711)")
	rootCmd.SetVersionTemplate(`jsdap version {{.Version}}
`)
}

// Execute runs the root command.
func Execute() error {
	cobra.OnInitialize(configureLogging)
	return rootCmd.Execute()
}

// configureLogging sends logs to stderr only: stdout carries DAP frames in
// stdio mode.
func configureLogging() {
	logrus.SetOutput(os.Stderr)
	switch {
	case Trace:
		logrus.SetLevel(logrus.TraceLevel)
	case Debug:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.WarnLevel)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if Listen != "" {
		return serveTCP(cmd.Context(), Listen)
	}
	return serveStdio(cmd.Context())
}

// serveStdio runs one debug session over the process's stdio.
func serveStdio(ctx context.Context) error {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("refusing to speak DAP on an interactive terminal; use --listen or run under a DAP client")
	}
	serveSession(ctx, stdioStream{})
	return nil
}

// serveTCP accepts DAP clients on a TCP listener, one session each.
func serveTCP(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer listener.Close()
	logrus.WithField("addr", listener.Addr()).Info("serving DAP")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	eg, ctx := errgroup.WithContext(ctx)
	for {
		conn, err := listener.Accept()
		if err != nil {
			break
		}
		eg.Go(func() error {
			defer conn.Close()
			serveSession(ctx, conn)
			return nil
		})
	}
	return eg.Wait()
}

// serveSession runs one adapter over one byte stream until it ends.
func serveSession(ctx context.Context, stream io.ReadWriter) {
	conn := dapconn.NewConn(stream)
	session := adapter.New(conn)
	defer session.Shutdown()

	if err := conn.Serve(ctx, session); err != nil {
		logrus.WithError(err).Debug("session ended with error")
	}
}

// stdioStream glues stdin/stdout into one ReadWriter.
type stdioStream struct{}

func (stdioStream) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioStream) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
