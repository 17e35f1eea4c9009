// Command quartz runs the scheduler, its workers and the remote management
// endpoint against a MongoDB store, with Redis carrying dispatched fires and
// remote calls.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	cfg        *Config
	log        *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "quartz",
	Short: "Clustered job scheduler",
	Long: `quartz runs a clustered job scheduler on MongoDB.

Commands:
  scheduler   - run the scheduling engine
  worker      - run job bodies dispatched by schedulers
  rpc-server  - answer remote scheduler calls
  schedule    - schedule a job through a running rpc-server
  triggers    - list triggers through a running rpc-server
  setup       - create store indexes and transport queues
  clear       - delete all scheduling data

Configuration is read from quartz.yaml and QUARTZ_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		l, err := newLogger(c.Log)
		if err != nil {
			return err
		}
		cfg, log = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./quartz.yaml)")
	rootCmd.AddCommand(schedulerCmd, workerCmd, rpcServerCmd, scheduleCmd, triggersCmd, setupCmd, clearCmd)
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
