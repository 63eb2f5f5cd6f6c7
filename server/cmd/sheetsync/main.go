// Command sheetsync runs the realtime synchronization server.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"sheetsync/server/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sheetsync",
	Short: "Realtime synchronization server for collaborative tables",
	Long: `sheetsync accepts JSON0 edit operations over WebSocket, commits them to a
versioned document ledger and fans the committed changes out to every subscriber,
locally and across processes through Redis.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// glog 只认 flag.CommandLine 是否已解析
		return flag.CommandLine.Parse(nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "server/configs/sheetsync.yaml", "config file (.yaml or .toml)")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

// loadConfig 读取配置并把 logging 段应用到 glog；命令行显式给出的 -v 优先
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("v"); f != nil && !f.Changed && cfg.Logging.Verbosity > 0 {
		_ = flag.Set("v", strconv.Itoa(cfg.Logging.Verbosity))
	}
	if f := cmd.Flags().Lookup("log_dir"); f != nil && !f.Changed && cfg.Logging.Dir != "" {
		_ = flag.Set("log_dir", cfg.Logging.Dir)
	}
	return cfg, nil
}

func main() {
	defer glog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		glog.Flush()
		os.Exit(1)
	}
}
