// -----------------------------------------------------------------------
// Codestory - repository ingestion pipeline server
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/app"
	"github.com/ternarybob/codestory/internal/common"
)

// configPaths allows -config to be given multiple times; later files
// override earlier ones.
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (repeatable, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Codestory version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Auto-discover a config file when none was given.
	if len(configFiles) == 0 {
		if _, err := os.Stat("codestory.toml"); err == nil {
			configFiles = append(configFiles, "codestory.toml")
		} else if _, err := os.Stat("deployments/local/codestory.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/codestory.toml")
		}
	}

	config, err := common.LoadConfig(configFiles, *serverHost, *serverPort)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Str("host", config.Server.Host).
		Int("port", config.Server.Port).
		Str("llm_mode", config.LLM.Mode).
		Msg("Configuration loaded")

	application, err := app.New(config, common.GetVersion(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	go func() {
		if err := application.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
			os.Exit(1)
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	application.Shutdown(ctx)
}
