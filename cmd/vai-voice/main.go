package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vango-go/vai-voice/internal/dotenv"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
)

type mainDeps struct {
	loadConfig    func(*viper.Viper) (config.Config, error)
	buildServices func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*services, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:    config.Load,
		buildServices: buildServices,
		signalNotify:  signal.Notify,
		signalStop:    signal.Stop,
	}
}

func newRootCmd(ctx context.Context, stdout, stderr io.Writer, deps mainDeps) *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "vai-voice",
		Short:         "Realtime voice session gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve /v1/live websocket sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(ctx, v, stderr, deps)
		},
	}
	serve.Flags().String("addr", "", "listen address (overrides VAI_VOICE_ADDR)")
	_ = v.BindPFlag("addr", serve.Flags().Lookup("addr"))

	root.AddCommand(serve, newWorkflowsCmd(stdout))
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps mainDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if _, err := dotenv.LoadFiles(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-voice: %v\n", err)
		return 1
	}
	cmd := newRootCmd(ctx, stdout, stderr, deps)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-voice: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}
