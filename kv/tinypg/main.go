package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tinypg/tinypg/kv/config"
	"github.com/tinypg/tinypg/log"
)

var (
	configPath string
	dataDir    string
	logLevel   string
	logFile    string
)

// loadConfig builds the configuration from the defaults, the config file and
// the global flags, in that order.
func loadConfig() (*config.Config, error) {
	conf := config.NewDefaultConfig()
	if configPath != "" {
		if err := conf.LoadFile(configPath); err != nil {
			return nil, err
		}
	}
	if dataDir != "" {
		conf.DBPath = dataDir
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	if logFile != "" {
		conf.LogFile = logFile
	}
	log.SetLevelByString(conf.LogLevel)
	if conf.LogFile != "" {
		log.InitFileLogger(log.FileLogConfig{
			Filename:   conf.LogFile,
			MaxSizeMB:  300,
			MaxBackups: 10,
			MaxAgeDays: 28,
		})
	}
	return conf, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "tinypg",
		Short: "Transactional key-value engine with a write-ahead log and streaming replication",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "C", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "D", "", "data directory")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file, stderr when empty")

	rootCmd.AddCommand(
		newServerCommand(),
		newShellCommand(),
		newWALDumpCommand(),
	)

	cobra.EnablePrefixMatching = true

	err := rootCmd.Execute()
	log.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
