// Command tts-client submits fulfillment requests and administers the credential pool.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/config"
	"github.com/spf13/cobra"
)

// Flag names and defaults.
const (
	flagConfig        = "config"
	envConfigPath     = "TTS_CONFIG"
	defaultConfigPath = "tts-fulfillment.toml"
	logFileName       = "tts-client.log"
)

// Error messages.
const (
	errFailedToLoadConfig = "failed to load configuration: %w"
	errFailedToInitLogger = "failed to initialize logger: %w"
)

// cliState is shared by the subcommands once the root has loaded it.
type cliState struct {
	out        io.Writer
	cfg        *config.Config
	log        *logger.Logger
	configPath string
}

func newRootCmd(out io.Writer) *cobra.Command {
	state := &cliState{out: out}

	rootCmd := &cobra.Command{
		Use:   "tts-client",
		Short: "Client for the TTS fulfillment service",
		Long: `tts-client sends speech requests to the fulfillment service over NATS and
manages the credential pool and ledger in the service database.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return state.load()
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return state.close()
		},
	}

	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&state.configPath, flagConfig, defaultConfig(), "Path to the service TOML configuration")

	rootCmd.AddCommand(newSpeakCmd(state), newKeysCmd(state), newRecordsCmd(state))

	return rootCmd
}

func defaultConfig() string {
	if path := os.Getenv(envConfigPath); path != "" {
		return path
	}

	return defaultConfigPath
}

func (s *cliState) load() error {
	cfg, err := config.LoadFile(s.configPath)
	if err != nil {
		return fmt.Errorf(errFailedToLoadConfig, err)
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return fmt.Errorf(errFailedToInitLogger, err)
	}

	s.cfg = cfg
	s.log = log

	return nil
}

func (s *cliState) close() error {
	if s.log == nil {
		return nil
	}

	err := s.log.Close()
	s.log = nil

	return err
}

func main() {
	err := newRootCmd(os.Stdout).Execute()
	if err != nil {
		os.Exit(1)
	}
}
