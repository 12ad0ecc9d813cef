// Command tannus is the command-line client for a tannusd server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tannus-ai/tannus/internal/selfupdate"
	"github.com/tannus-ai/tannus/internal/version"
)

const defaultServer = "http://localhost:5000"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		timeout   time.Duration
		cli       = &Client{}
	)

	root := &cobra.Command{
		Use:           "tannus",
		Short:         "Client for the Tannus agent server",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cli.BaseURL = strings.TrimRight(serverURL, "/")
			cli.Token = token
			cli.HTTPClient = &http.Client{Timeout: timeout}
		},
	}

	server := os.Getenv("TANNUS_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&serverURL, "server", server, "server URL (or $TANNUS_SERVER)")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("TANNUS_TOKEN"), "JWT auth token (or $TANNUS_TOKEN)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		versionCmd(),
		healthCmd(cli),
		loginCmd(cli),
		submitCmd(cli),
		tasksCmd(cli),
		planCmd(cli),
		stepCmd(cli),
		noteCmd(cli),
		runCmd(cli),
		perfCmd(cli),
		upgradeCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tannus %s (commit %s, built %s)\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}

func upgradeCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Update tannus to the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := selfupdate.New(version.Version, "tannus")
			rel, err := u.Check(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rel == nil {
				fmt.Fprintf(out, "tannus %s is up to date\n", version.Version)
				return nil
			}
			if check {
				fmt.Fprintf(out, "%s is available (current %s)\n", rel.Version, version.Version)
				return nil
			}
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			if err := u.Apply(cmd.Context(), rel, exe); err != nil {
				return err
			}
			fmt.Fprintln(out, doneStyle.Render("updated to "+rel.Version))
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "only report whether an update exists")
	return cmd
}
