package start

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Leadrive/eventql/cluster"
	"github.com/Leadrive/eventql/frontend"
	"github.com/Leadrive/eventql/metadata"
	"github.com/Leadrive/eventql/utils"
	"github.com/Leadrive/eventql/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start an eventql database node"
	long                  = "This command starts an eventql database node"
	example               = "eventql start --config <path>"
	defaultConfigFilePath = "./eventql.yml"
	configDesc            = "set the path for the eventql YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	utils.InstanceConfig.StartTime = time.Now()
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	// Don't output command usage if args are correct.
	cmd.SilenceUsage = true

	log.Info("using %v for configuration", configFilePath)

	config, err := utils.ParseConfig(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}
	utils.InstanceConfig = *config

	if err := os.MkdirAll(config.BaseDirectory, 0o755); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}

	log.Info("initializing eventql node %s...", config.ServerID)

	cdir := cluster.NewLocalDirectory(config.ServerID, cluster.ClusterConfig{ReplicationFactor: 1})
	store := metadata.NewStore(config.BaseDirectory)
	service := metadata.NewService(store, cdir)
	server := frontend.NewServer(service)

	// Serve prometheus metrics on a separate listener when configured.
	if config.MetricsListenAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(config.MetricsListenAddr, mux); err != nil {
				log.Error("metrics listener failed: %v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(config.ListenAddr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case s := <-sig:
		log.Info("received %v, shutting down", s)
	}

	if config.StopGracePeriod > 0 {
		time.Sleep(config.StopGracePeriod)
	}
	return server.Shutdown()
}
