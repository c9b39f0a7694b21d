// Package chatcli implements harvest-chat, a terminal client for Harvest messaging
// built on the chatsync controllers.
package chatcli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/app"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/chatsync"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	server     string
	user       string
	token      string
	logLevel   string
}

// NewRootCommand builds the harvest-chat command tree.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "harvest-chat",
		Short:         "Terminal client for Harvest marketplace messaging",
		Long:          "Browse conversations, follow threads live and send messages to buyers and producers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (default $"+EnvConfigPath+" or ~/.harvest/chat.toml)")
	pf.StringVar(&g.server, "server", "", "API base URL (overrides server.url)")
	pf.StringVar(&g.user, "user", "", "signed-in user id (overrides auth.user_id)")
	pf.StringVar(&g.token, "token", "", "access token (overrides auth.token)")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (default warn)")

	root.AddCommand(
		newConversationsCmd(g),
		newOpenCmd(g),
		newSendCmd(g),
		newSearchCmd(g),
		newStartCmd(g),
		newTokenCmd(g),
		newConfigCmd(g),
	)
	return root
}

func (g *globalFlags) path() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	return DefaultConfigPath()
}

// load returns the effective config: file, then environment, then flags.
func (g *globalFlags) load() (*Config, string, error) {
	path, err := g.path()
	if err != nil {
		return nil, "", err
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, "", err
	}
	cfg.ApplyEnv(os.Getenv)
	if g.server != "" {
		cfg.Server.URL = g.server
	}
	if g.user != "" {
		cfg.Auth.UserID = g.user
	}
	if g.token != "" {
		cfg.Auth.Token = g.token
	}
	if g.logLevel != "" {
		cfg.Client.LogLevel = g.logLevel
	}
	return cfg, path, nil
}

// session is what a signed-in command works with.
type session struct {
	cfg     *Config
	log     *slog.Logger
	userID  string
	backend *chatsync.HTTPBackend
	cache   *chatsync.Cache
}

func (g *globalFlags) session(cmd *cobra.Command) (*session, error) {
	cfg, _, err := g.load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireAuth(); err != nil {
		return nil, err
	}
	staleAfter, err := cfg.StaleAfter()
	if err != nil {
		return nil, err
	}
	backend, err := chatsync.NewHTTPBackend(cfg.ServerURL(), cfg.Auth.Token)
	if err != nil {
		return nil, err
	}

	level := cfg.Client.LogLevel
	if level == "" {
		level = "warn"
	}
	format := cfg.Client.LogFormat
	if format == "" {
		format = "pretty"
	}

	return &session{
		cfg:     cfg,
		log:     app.NewWriterLogger(cmd.ErrOrStderr(), level, format),
		userID:  strings.TrimSpace(cfg.Auth.UserID),
		backend: backend,
		cache:   chatsync.NewCache(chatsync.WithStaleAfter(staleAfter)),
	}, nil
}

// feed opens the change feed. The caller closes it.
func (s *session) feed() (*chatsync.WSFeed, error) {
	u, err := s.cfg.ResolvedFeedURL()
	if err != nil {
		return nil, err
	}
	return chatsync.NewWSFeed(s.log, chatsync.WSFeedConfig{
		URL:    u,
		Token:  s.cfg.Auth.Token,
		Origin: s.cfg.Server.Origin,
	})
}

func (s *session) sender() (*chatsync.Sender, error) {
	return chatsync.NewSender(s.log, s.backend, s.cache, s.userID, chatsync.WithOptimistic(s.cfg.OptimisticSends()))
}

// describe turns a chatsync error into a short user-facing message.
func describe(err error) error {
	switch {
	case err == nil:
		return nil
	case chatsync.IsValidation(err):
		return fmt.Errorf("invalid input: %w", err)
	case chatsync.IsUnauthorized(err):
		return fmt.Errorf("not allowed (check your token and membership): %w", err)
	case chatsync.IsUnavailable(err):
		return fmt.Errorf("server unavailable: %w", err)
	default:
		return err
	}
}
