package chatcli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/chatsync"
	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/security/token"
)

const quitCommand = "/quit"

func newConversationsCmd(g *globalFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List your conversations, most recently active first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := g.session(cmd)
			if err != nil {
				return err
			}
			feed, err := s.feed()
			if err != nil {
				return err
			}
			defer func() { _ = feed.Close() }()

			out := cmd.OutOrStdout()
			var opts []chatsync.ConversationListOption
			if watch {
				opts = append(opts, chatsync.WithListChangeHandler(func(snap chatsync.ConversationListSnapshot) {
					if snap.Status == chatsync.StatusReady {
						fmt.Fprintf(out, "-- %s --\n", time.Now().UTC().Format(timeLayout))
						renderConversations(out, snap)
					}
				}))
			}

			list, err := chatsync.NewConversationList(s.log, s.backend, feed, s.cache, s.userID, opts...)
			if err != nil {
				return err
			}
			defer list.Unmount()
			if err := list.Mount(ctx); err != nil {
				snap := list.Snapshot()
				if snap.Status != chatsync.StatusReady {
					return describe(err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: live updates off: %v\n", describe(snap.FeedErr))
			}

			if !watch {
				renderConversations(out, list.Snapshot())
				return nil
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and reprint on every change")
	return cmd
}

func newOpenCmd(g *globalFlags) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Show a conversation live and send lines read from stdin",
		Long: "Prints the thread, then every new message as it arrives. Each line typed on\n" +
			"stdin is sent to the conversation; " + quitCommand + " leaves.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conversationID := args[0]

			s, err := g.session(cmd)
			if err != nil {
				return err
			}
			feed, err := s.feed()
			if err != nil {
				return err
			}
			defer func() { _ = feed.Close() }()

			printer := newThreadPrinter(cmd.OutOrStdout(), s.userID)
			thread, err := chatsync.NewThread(s.log, s.backend, feed, s.cache, s.userID, chatsync.WithThreadChangeHandler(printer.render))
			if err != nil {
				return err
			}
			defer thread.Close()
			if err := thread.Open(ctx, conversationID); err != nil {
				return describe(err)
			}

			snd, err := s.sender()
			if err != nil {
				return err
			}

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(cmd.InOrStdin())
				for sc.Scan() {
					select {
					case lines <- sc.Text():
					case <-ctx.Done():
						return
					}
				}
			}()

			errOut := cmd.ErrOrStderr()
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						if follow {
							<-ctx.Done()
						}
						return nil
					}
					line = strings.TrimSpace(line)
					switch line {
					case "":
						continue
					case quitCommand:
						return nil
					}
					if _, err := snd.Send(ctx, conversationID, line); err != nil {
						fmt.Fprintf(errOut, "send failed: %v\n", describe(err))
					}
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep following the thread after stdin closes")
	return cmd
}

func newSendCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send one message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.session(cmd)
			if err != nil {
				return err
			}
			snd, err := s.sender()
			if err != nil {
				return err
			}
			msg, err := snd.Send(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return describe(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatMessage(chatsync.Message{Message: msg}, s.userID))
			return nil
		},
	}
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "search <name>...",
		Short: "Find users by first or last name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.session(cmd)
			if err != nil {
				return err
			}
			users, err := s.backend.SearchUsers(cmd.Context(), strings.Join(args, " "), s.userID)
			if err != nil {
				return describe(err)
			}
			out := cmd.OutOrStdout()
			if len(users) == 0 {
				fmt.Fprintln(out, "No users found.")
				return nil
			}
			for _, u := range users {
				fmt.Fprintf(out, "%-24s %s %s\n", u.ID, u.FirstName, u.LastName)
			}
			return nil
		},
	}
}

func newStartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <user-id>",
		Short: "Find or create your conversation with a user and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.session(cmd)
			if err != nil {
				return err
			}
			id, err := s.backend.FindOrCreateConversation(cmd.Context(), s.userID, args[0])
			if err != nil {
				return describe(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newTokenCmd(g *globalFlags) *cobra.Command {
	var (
		ttl  time.Duration
		save bool
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development access token with the server key",
		Long: "Signs a token for <user-id> with the key in $" + token.KeyEnv + " (the same key the\n" +
			"server verifies with). --save stores the user and token in the config file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := strings.TrimSpace(args[0])
			key, err := token.KeyFromEnv(token.MinKeyBytes)
			if err != nil {
				return fmt.Errorf("%s: %w", token.KeyEnv, err)
			}
			tok, err := token.Issue(key, userID, ttl, time.Now().UTC())
			if err != nil {
				return err
			}

			if !save {
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			}

			path, err := g.path()
			if err != nil {
				return err
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				return err
			}
			cfg.Auth.UserID = userID
			cfg.Auth.Token = tok
			if g.server != "" {
				cfg.Server.URL = g.server
			}
			if err := SaveConfig(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (token saved to %s)\n", userID, path)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "store the token in the config file")
	return cmd
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the harvest-chat configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.path()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintf(cmd.OutOrStdout(), "No configuration file at %s.\n", path)
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a value using dot notation, e.g. server.url",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.path()
			if err != nil {
				return err
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := SaveConfig(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s\n", args[0])
			return nil
		},
	})
	return cmd
}
