package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/guimove/fleetfit/internal/config"
)

var (
	cfgFile string
	cfg     config.Config
	log     = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "fleetfit",
	Short: "Shared VM pool allocator for batch jobs on EC2",
	Long: `FleetFit keeps a shared registry of cloud instances and the jobs running on
them. It packs new jobs onto existing capacity with a best-fit policy, launches
instances only for what does not fit, and reclaims instances that died or sat
idle past their timeout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		return setupLogging()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: fleetfit.yaml)")

	// Global flags that override config
	rootCmd.PersistentFlags().String("region", "", "AWS region")
	rootCmd.PersistentFlags().String("registrar", "", "registrar backend: memory, redis, etcd, kubernetes")
	rootCmd.PersistentFlags().String("redis-address", "", "redis address for the redis backend")
	rootCmd.PersistentFlags().StringSlice("etcd-endpoints", nil, "etcd endpoints for the etcd backend")
	rootCmd.PersistentFlags().String("kubeconfig", "", "path to kubeconfig file for the kubernetes backend")
	rootCmd.PersistentFlags().String("kube-context", "", "Kubernetes context name")
	rootCmd.PersistentFlags().StringP("output", "o", "", "output format: table, json")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text, json")
}

func loadConfig(cmd *cobra.Command) error {
	// Start with defaults
	cfg = config.Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("fleetfit")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.fleetfit")
	}

	// Environment variable overrides
	viper.SetEnvPrefix("FLEETFIT")
	viper.AutomaticEnv()

	// Read config file (not an error if missing)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	// Flags override config only when set.
	f := cmd.Flags()
	if f.Changed("region") {
		cfg.Region, _ = f.GetString("region")
	}
	if f.Changed("registrar") {
		cfg.Registrar.Backend, _ = f.GetString("registrar")
	}
	if f.Changed("redis-address") {
		cfg.Registrar.Redis.Address, _ = f.GetString("redis-address")
	}
	if f.Changed("etcd-endpoints") {
		cfg.Registrar.Etcd.Endpoints, _ = f.GetStringSlice("etcd-endpoints")
	}
	if f.Changed("kubeconfig") {
		cfg.Registrar.Kubernetes.Kubeconfig, _ = f.GetString("kubeconfig")
	}
	if f.Changed("kube-context") {
		cfg.Registrar.Kubernetes.Context, _ = f.GetString("kube-context")
	}
	if f.Changed("output") {
		cfg.Output.Format, _ = f.GetString("output")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.Log.Format, _ = f.GetString("log-format")
	}

	if cfg.AWS.CacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.AWS.CacheDir = filepath.Join(home, ".cache", "fleetfit")
		}
	}

	return cfg.Validate()
}

func setupLogging() error {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if cfg.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
