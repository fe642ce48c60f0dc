package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"treesync/api/internal/auth"
	"treesync/api/internal/client"
	"treesync/api/internal/config"
	"treesync/api/internal/rbac"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "treesync",
	Short:        "Command line client for a treesync server",
	SilenceUsage: true,
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.ClientConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		return config.ClientConfig{}, err
	}
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		cfg.ServerURL = server
	}
	if token, _ := cmd.Flags().GetString("token"); token != "" {
		cfg.Token = token
	}
	if org, _ := cmd.Flags().GetString("org"); org != "" {
		cfg.OrganizationID = org
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *zap.Logger {
	if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// connect starts a client and fails fast when the server rejects it.
func connect(ctx context.Context, cmd *cobra.Command, onChange func()) (*client.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("no token configured: run `treesync token` or pass --token")
	}
	if cfg.OrganizationID == "" {
		return nil, fmt.Errorf("no organization configured: pass --org")
	}
	c := client.New(client.Options{
		Config:   cfg,
		Logger:   newLogger(cmd),
		OnChange: onChange,
		OnStatus: func(s client.Status) {
			fmt.Fprintf(cmd.ErrOrStderr(), "status: %s\n", s)
		},
	})
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connect to %s: %w", cfg.ServerURL, err)
	}
	return c, nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the client configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists, pass --force to overwrite", path)
		}
		cfg, err := loadConfig(cmd)
		if err != nil && !force {
			return err
		}
		if err != nil {
			cfg = config.DefaultClientConfig()
		}
		if err := config.SaveClientConfig(path, cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Token != "" {
			cfg.Token = "<redacted>"
		}
		cfg.TokenSecret = ""
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a development access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = cfg.TokenSecret
		}
		userID, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		avatar, _ := cmd.Flags().GetString("avatar")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		save, _ := cmd.Flags().GetBool("save")

		parsed, ok := rbac.ParseRole(role)
		if !ok {
			return fmt.Errorf("unknown role %q", role)
		}
		token, err := auth.NewTokenProvider(secret).Issue(auth.Identity{
			UserID:      userID,
			DisplayName: name,
			AvatarURL:   avatar,
			Role:        parsed,
		}, ttl)
		if err != nil {
			return err
		}
		if save {
			path, _ := cmd.Flags().GetString("config")
			cfg.Token = token
			if err := config.SaveClientConfig(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Token saved to %s\n", path)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Mirror an organization's file tree and print it on every change",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		changes := make(chan struct{}, 1)
		c, err := connect(ctx, cmd, func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
		if err != nil {
			return err
		}
		defer c.Close()

		if file, _ := cmd.Flags().GetString("open"); file != "" {
			c.Tree().SetActive(file)
		}

		var last string
		render := func() {
			out := renderTree(c.Tree())
			if out != last {
				fmt.Fprint(cmd.OutOrStdout(), out)
				last = out
			}
		}

		// Bursts of events coalesce into one render.
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		dirty := true
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				dirty = true
			case <-ticker.C:
				if dirty {
					render()
					dirty = false
				}
				if status := c.Status(); status == client.StatusFailed || status == client.StatusAuthFailed {
					return fmt.Errorf("connection %s", status)
				}
			}
		}
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert <file-id> <version>",
	Short: "Restore a file to an earlier version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[1])
		if err != nil || version < 1 {
			return fmt.Errorf("version must be a positive integer, got %q", args[1])
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		c, err := connect(ctx, cmd, nil)
		if err != nil {
			return err
		}
		defer c.Close()

		reverted, err := c.RevertFile(ctx, args[0], version)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s restored from version %d, now at version %d\n",
			reverted.Name, reverted.RevertedFromVersion, reverted.CurrentVersion)
		return nil
	},
}

func renderTree(tree *client.Reconciler) string {
	var b strings.Builder
	nodes := tree.Snapshot()
	fmt.Fprintf(&b, "--- %s (%d nodes) ---\n", tree.OrganizationID(), len(nodes))
	active := tree.Active()
	for _, n := range nodes {
		marker := " "
		if n.ID == active {
			marker = "*"
		}
		depth := strings.Count(n.Path, "/") - 1
		name := n.Name
		if n.IsFolder() {
			name += "/"
		}
		fmt.Fprintf(&b, "%s %s%-32s", marker, strings.Repeat("  ", max(depth, 0)), name)
		if !n.IsFolder() {
			fmt.Fprintf(&b, " v%d", n.Version)
		}
		if n.State != client.StateSynced {
			fmt.Fprintf(&b, " [%s]", n.State)
		}
		fmt.Fprintf(&b, "  %s\n", n.ID)
	}
	if active != "" {
		if node, ok := tree.Node(active); ok && node.Content != nil {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", node.Path, *node.Content)
		}
		var names []string
		for _, p := range tree.Roster() {
			names = append(names, p.UserName)
		}
		if len(names) > 0 {
			fmt.Fprintf(&b, "viewing: %s\n", strings.Join(names, ", "))
		}
	}
	return b.String()
}

func init() {
	rootCmd.PersistentFlags().String("config", config.DefaultClientConfigPath(), "Path to the client configuration file")
	rootCmd.PersistentFlags().String("server", "", "Server websocket URL, overrides the config file")
	rootCmd.PersistentFlags().String("token", "", "Access token, overrides the config file")
	rootCmd.PersistentFlags().String("org", "", "Organization id, overrides the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log connection details to stderr")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("secret", "", "Signing secret, defaults to token_secret from the config file")
	tokenCmd.Flags().String("user", "dev", "User id")
	tokenCmd.Flags().String("name", "Developer", "Display name")
	tokenCmd.Flags().String("avatar", "", "Avatar URL")
	tokenCmd.Flags().String("role", string(rbac.RoleEditor), "Role: viewer, editor or admin")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().Bool("save", false, "Store the token in the config file")

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("open", "", "File id to open and follow")

	rootCmd.AddCommand(revertCmd)
}
