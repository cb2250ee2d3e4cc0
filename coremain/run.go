/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of analysis-gateway.
 *
 * analysis-gateway is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * analysis-gateway is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"

	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	C "github.com/pmkol/analysis-gateway/constant"
	"github.com/pmkol/analysis-gateway/mlog"
)

const (
	defaultFastProcessorAddr = "http://localhost:9000"
	defaultAIServiceAddr     = "http://localhost:8000"
	defaultMLEnsembleAddr    = "http://localhost:9001"
	defaultRedisHost         = "localhost"
	defaultRedisPort         = "6379"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:     C.ServiceName,
	Version: C.Version,
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(newServerService(sf), svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return StartServer(ctx, sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the gateway as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(newConfigCmd())
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer runs the gateway until ctx is done or a server fails.
func StartServer(ctx context.Context, sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, err := loadFullConfig(sf.c)
	if err != nil {
		return err
	}

	if err := RunGateway(ctx, cfg); err != nil {
		return fmt.Errorf("gateway exited, %w", err)
	}
	return nil
}

// loadFullConfig loads the main config and merges its includes.
func loadFullConfig(filePath string) (*Config, error) {
	cfg, fileUsed, err := loadConfig(filePath)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}
	if len(fileUsed) == 0 {
		mlog.L().Info("no config file found, using defaults")
	}

	if err := mergeInclude(cfg, 0, []string{fileUsed}); err != nil {
		return nil, fmt.Errorf("failed to load sub config file, %w", err)
	}
	return cfg, nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// search a file which name start with "config" in the working dir and
// in $XDG_CONFIG_HOME/analysis-gateway. If no file is found, the config
// only holds the defaults and the environment overrides, and the
// returned file name is empty.
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, C.ServiceName))
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// setDefaults binds the backend and cache addresses to their environment
// variables. The environment wins over the config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("backends.fast_processor", defaultFastProcessorAddr)
	v.SetDefault("backends.ai_service", defaultAIServiceAddr)
	v.SetDefault("backends.ml_ensemble", defaultMLEnsembleAddr)
	v.SetDefault("cache.redis", redisURLFromEnv())

	_ = v.BindEnv("backends.fast_processor", "FAST_PROCESSOR_URL")
	_ = v.BindEnv("backends.ai_service", "AI_SERVICE_URL")
	_ = v.BindEnv("backends.ml_ensemble", "ML_ENSEMBLE_URL")
	_ = v.BindEnv("cache.redis", "REDIS_URL")
}

func redisURLFromEnv() string {
	host := os.Getenv("REDIS_HOST")
	if len(host) == 0 {
		host = defaultRedisHost
	}
	port := os.Getenv("REDIS_PORT")
	if len(port) == 0 {
		port = defaultRedisPort
	}
	return "redis://" + net.JoinHostPort(host, port)
}

func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	var included []ServerConfig
	for _, subCfgFile := range cfg.Include {
		subPaths := slices.Concat(paths, []string{subCfgFile})
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		subCfg, _, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}
		included = append(included, subCfg.Servers...)
	}

	cfg.Servers = append(included, cfg.Servers...)
	return nil
}
