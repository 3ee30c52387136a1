// ABOUTME: Entry point for the kokino broker
// ABOUTME: Cobra commands to serve, probe a running broker, list agents and mint tokens

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/DeanSCND/kokino/internal/auth"
	"github.com/DeanSCND/kokino/internal/config"
	"github.com/DeanSCND/kokino/internal/gateway"
)

// version is set at build time.
var version = "dev"

const banner = `
  _         _    _
 | | _____ | | _(_)_ __   ___
 | |/ / _ \| |/ / | '_ \ / _ \
 |   < (_) |   <| | | | | (_) |
 |_|\_\___/|_|\_\_|_| |_|\___/
`

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the persistent flags.
type options struct {
	configPath string
	addr       string
	token      string
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "kokino-broker",
		Short:         "Agent registry, message router and live event stream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $KOKINO_CONFIG or the user config dir)")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "broker HTTP address for client commands (default server.http_addr)")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("KOKINO_TOKEN"), "bearer token for client commands")

	root.AddCommand(
		serveCmd(opts),
		healthCmd(opts),
		agentsCmd(opts),
		tokenCmd(opts),
		versionCmd(),
	)
	return root
}

// loadConfig reads the config file. When no path was given and the default
// file does not exist, built-in defaults are used.
func loadConfig(opts *options) (*config.Config, string, error) {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	return nil, "", fmt.Errorf("loading config: %w", err)
}

func serveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, source, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStartup(out, cfg, source)

			logger := setupLogger(cfg.Logging, os.Stderr)
			logger.Info("starting kokino broker",
				"version", version,
				"config", source,
				"http_addr", cfg.Server.HTTPAddr,
				"grpc_addr", cfg.Server.GRPCAddr,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating broker: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(out io.Writer, cfg *config.Config, source string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", version)

	line := func(label, value string) {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "%-10s %s\n", label+":", value)
	}
	line("Config", source)
	line("Database", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		line("Tailscale", cfg.Tailscale.Hostname)
	} else {
		line("HTTP", cfg.Server.HTTPAddr)
		if cfg.Server.GRPCAddr != "" {
			line("gRPC", cfg.Server.GRPCAddr)
		}
	}
	if cfg.NATS.URL != "" {
		line("NATS", cfg.NATS.URL+" ("+cfg.NATS.SubjectPrefix+".>)")
	}
	if cfg.Auth.JWTSecret == "" {
		color.New(color.FgYellow).Fprintln(out, "    ! auth disabled")
	}
	fmt.Fprintln(out)
}

// baseURL returns the broker URL for client commands.
func baseURL(opts *options) (string, error) {
	addr := opts.addr
	if addr == "" {
		cfg, _, err := loadConfig(opts)
		if err != nil {
			return "", err
		}
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/"), nil
	}
	return "http://" + addr, nil
}

func get(ctx context.Context, opts *options, path string) (*http.Response, error) {
	base, err := baseURL(opts)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if opts.token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func healthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that a running broker is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			resp, err := get(ctx, opts, "/health/ready")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			var body struct {
				Agents    int    `json:"agents"`
				Observers int    `json:"observers"`
				LastSeq   uint64 `json:"last_seq"`
				Error     string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d %s", resp.StatusCode, body.Error)
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprint(out, "healthy")
			fmt.Fprintf(out, " agents=%d observers=%d last_seq=%d\n", body.Agents, body.Observers, body.LastSeq)
			return nil
		},
	}
}

func agentsCmd(opts *options) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			path := "/api/agents"
			if status != "" {
				path += "?status=" + status
			}
			resp, err := get(ctx, opts, path)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				var e struct {
					Error string `json:"error"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&e)
				return fmt.Errorf("listing agents: status %d %s", resp.StatusCode, e.Error)
			}

			var agents []gateway.AgentResponse
			if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
				return fmt.Errorf("decoding agents: %w", err)
			}
			printAgents(cmd.OutOrStdout(), agents)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only agents with this status (online, stale, offline)")
	return cmd
}

func statusColor(s string) *color.Color {
	switch s {
	case "online":
		return color.New(color.FgGreen)
	case "stale":
		return color.New(color.FgYellow)
	case "offline":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printAgents(out io.Writer, agents []gateway.AgentResponse) {
	if len(agents) == 0 {
		fmt.Fprintln(out, "no agents registered")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tTYPE\tMODE\tSTATUS\tLAST HEARTBEAT")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			a.AgentID, a.Type, a.Mode,
			statusColor(a.Status).Sprint(a.Status),
			a.LastHeartbeat.Local().Format(time.DateTime),
		)
	}
	_ = tw.Flush()
}

func tokenCmd(opts *options) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			switch role {
			case auth.RoleAgent, auth.RoleObserver, auth.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}

			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			tok, err := v.Generate(subject, role, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the agent id")
	cmd.Flags().StringVar(&role, "role", auth.RoleAgent, "agent, observer or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kokino-broker %s\n", version)
		},
	}
}
