package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/PentesterFlow/tabpfn-client/internal/output"
	"github.com/PentesterFlow/tabpfn-client/internal/shutdown"
	"github.com/PentesterFlow/tabpfn-client/pkg/registry"
	"github.com/PentesterFlow/tabpfn-client/pkg/tabpfn"
)

// app holds the global flags and the I/O streams of one CLI invocation.
type app struct {
	configFile string
	env        string
	baseURL    string
	format     string
	verbose    bool
	debug      bool

	w   *output.Writer
	in  *bufio.Reader
	out io.Writer
	err io.Writer
}

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: bufio.NewReader(in), out: out, err: errOut}

	rootCmd := &cobra.Command{
		Use:   "tabpfn",
		Short: "TabPFN - client for the TabPFN inference service",
		Long: `tabpfn - A command line client for the TabPFN tabular foundation model service.

Manages your account and access token, runs predictions on CSV files and
manages the data stored on the server.`,
		Version:       tabpfn.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.ParseFormat(a.format)
			if err != nil {
				return err
			}
			a.w = output.NewWriter(out, output.Config{Format: format, Pretty: true})
			return nil
		},
	}
	rootCmd.SetIn(in)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Configuration file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVarP(&a.env, "env", "e", "", "Server environment (testing, production)")
	rootCmd.PersistentFlags().StringVar(&a.baseURL, "base-url", "", "Override the server address, e.g. http://localhost:8000")
	rootCmd.PersistentFlags().StringVarP(&a.format, "output", "o", "text", "Output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Debug mode")

	rootCmd.AddCommand(
		a.endpointsCmd(),
		a.urlCmd(),
		a.loginCmd(),
		a.registerCmd(),
		a.verifyCmd(),
		a.usageCmd(),
		a.predictCmd(),
		a.dataCmd(),
		a.accountCmd(),
		a.resetCmd(),
	)

	return rootCmd
}

// loadConfig merges the config file, TABPFN_* variables and flags, in that order.
func (a *app) loadConfig(cmd *cobra.Command) (*tabpfn.Config, error) {
	config := tabpfn.DefaultConfig()
	if a.configFile != "" {
		fileConfig, err := tabpfn.LoadFromFile(a.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}
	config.ApplyEnv()

	if cmd.Flags().Changed("env") {
		config.Environment = a.env
	}
	if cmd.Flags().Changed("base-url") {
		config.BaseURL = a.baseURL
	}
	switch {
	case a.debug:
		config.LogLevel = "debug"
	case a.verbose:
		config.LogLevel = "info"
	}
	return config, nil
}

// registry resolves the endpoint registry without opening a client.
func (a *app) registry(cmd *cobra.Command) (*registry.Registry, error) {
	config, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	catalog, err := registry.Default()
	if err != nil {
		return nil, err
	}
	reg, err := catalog.Environment(config.Environment)
	if err != nil {
		return nil, err
	}
	if config.BaseURL != "" {
		conn, err := registry.ParseBaseURL(config.BaseURL)
		if err != nil {
			return nil, err
		}
		return reg.WithConnection(conn)
	}
	return reg, nil
}

// withClient runs fn with a client whose context is cancelled on SIGINT or
// SIGTERM. The client is closed by the shutdown handler.
func (a *app) withClient(cmd *cobra.Command, requireAuth bool, fn func(ctx context.Context, c *tabpfn.Client) error) error {
	config, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}

	c, err := tabpfn.New(tabpfn.WithConfig(config))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	log := c.Logger()

	h := shutdown.New(cmd.Context(), shutdown.Config{
		Timeout: 5 * time.Second,
		OnShutdownStart: func() {
			log.Debug("shutting down")
		},
		OnShutdownDone: func(r shutdown.Result) {
			if r.HasErrors() {
				log.WithField("errors", len(r.Errors)).Warn("shutdown completed with errors")
			}
		},
	})
	h.RegisterCloser("client", c)
	h.Listen()
	defer h.Shutdown()

	ctx := h.Context()
	if requireAuth {
		messages, err := c.Init(ctx)
		if err != nil {
			return initError(err)
		}
		for _, m := range messages {
			fmt.Fprintln(a.err, m)
		}
	}

	err = fn(ctx, c)
	if a.verbose || a.debug {
		c.LogStats()
	}
	if err != nil && h.IsShuttingDown() {
		return fmt.Errorf("interrupted: %w", err)
	}
	return err
}

// prompt reads a line from stdin when value is empty.
func (a *app) prompt(label, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprintf(a.err, "%s: ", label)
	line, err := a.in.ReadString('\n')
	if err != nil && !(stderrors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("%s is required", strings.ToLower(label))
	}
	return line, nil
}

func (a *app) printMessages(messages ...string) error {
	for _, m := range messages {
		if m == "" {
			continue
		}
		if err := a.w.Message(m); err != nil {
			return err
		}
	}
	return nil
}

// initError turns Init failures into instructions for the user.
func initError(err error) error {
	switch {
	case stderrors.Is(err, tabpfn.ErrNotAuthenticated):
		return fmt.Errorf("not logged in, run 'tabpfn login' or set %s", tabpfn.EnvAccessToken)
	case stderrors.Is(err, tabpfn.ErrEmailNotVerified):
		return fmt.Errorf("email not verified, run 'tabpfn verify <code>' or 'tabpfn verify --resend'")
	}
	return err
}
