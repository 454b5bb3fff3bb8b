package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quillnote/quillsync/contrib/quillwatch"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "quillwatch",
		Short:         "Headless Quill sync client that logs what it sees.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().String("token-dir", "", "Directory of the saved token (default: user config dir)")
	_ = v.BindPFlag("token_dir", cmd.PersistentFlags().Lookup("token-dir"))

	cmd.AddCommand(newWatchCommand(v), newLoginCommand(v), newLogoutCommand(v))
	return cmd
}

// loadConfig reads .quillsync.yaml from the working or home directory and
// QUILLSYNC_* environment variables. Flags take precedence over both.
func loadConfig(v *viper.Viper) error {
	v.SetConfigName(".quillsync") // .yaml is implicit
	v.SetEnvPrefix("QUILLSYNC")
	v.AutomaticEnv()
	v.AddConfigPath("./")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func newWatchCommand(v *viper.Viper) *cobra.Command {
	defaults := quillwatch.NewConfig()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect and log pushed events, view changes and calls.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := &quillwatch.Config{
				Endpoint:    v.GetString("endpoint"),
				APIURL:      v.GetString("api"),
				Codec:       v.GetString("codec"),
				Token:       v.GetString("token"),
				TokenDir:    v.GetString("token_dir"),
				Answer:      v.GetBool("answer"),
				HangUpAfter: v.GetDuration("hang_up_after"),
				Listen:      v.GetString("listen"),
				LogLevel:    v.GetString("log_level"),
				LogFormat:   v.GetString("log_format"),
				LogFile:     v.GetString("log_file"),
			}
			if err := config.Validate(); err != nil {
				return err
			}
			return quillwatch.Do(cmd.Context(), config)
		},
	}

	f := cmd.Flags()
	f.String("endpoint", defaults.Endpoint, "Push channel websocket URL")
	f.String("api", defaults.APIURL, "REST API base URL")
	f.String("codec", defaults.Codec, "Wire codec: json or cbor")
	f.String("token", "", "Bearer token (default: the saved token)")
	f.Bool("answer", false, "Answer incoming calls without media instead of rejecting them")
	f.Duration("hang-up-after", 0, "Hang up answered calls after this long")
	f.String("listen", "", "Serve /status and /metrics on this address")
	f.String("log-level", defaults.LogLevel, "Log level: debug, info, warn or error")
	f.String("log-format", defaults.LogFormat, "Log encoding: zerolog, text or json")
	f.String("log-file", "", "Append logs to this file")

	for key, flag := range map[string]string{
		"endpoint":      "endpoint",
		"api":           "api",
		"codec":         "codec",
		"token":         "token",
		"answer":        "answer",
		"hang_up_after": "hang-up-after",
		"listen":        "listen",
		"log_level":     "log-level",
		"log_format":    "log-format",
		"log_file":      "log-file",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func newLoginCommand(v *viper.Viper) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save a bearer token for later watch runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("token is required")
			}
			store, err := quillwatch.OpenTokenStore(v.GetString("token_dir"))
			if err != nil {
				return err
			}
			return store.Save(token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bearer token to save")
	return cmd
}

func newLogoutCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := quillwatch.OpenTokenStore(v.GetString("token_dir"))
			if err != nil {
				return err
			}
			return store.Clear()
		},
	}
}
