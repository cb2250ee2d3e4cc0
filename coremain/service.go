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
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	C "github.com/pmkol/analysis-gateway/constant"
	"github.com/pmkol/analysis-gateway/mlog"
)

const serviceStopTimeout = 10 * time.Second

var svcCfg = &service.Config{
	Name:        C.ServiceName,
	DisplayName: C.ServiceName,
	Description: "A caching gateway in front of the analysis backends.",
}

var svc service.Service

// serverService runs StartServer under the system service manager.
type serverService struct {
	f *serverFlags

	cancel context.CancelFunc
	done   chan struct{}
}

func newServerService(f *serverFlags) *serverService {
	return &serverService{f: f}
}

func (ss *serverService) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	ss.done = make(chan struct{})
	go func() {
		defer close(ss.done)
		if err := StartServer(ctx, ss.f); err != nil {
			mlog.L().Error("gateway exited", zap.Error(err))
			os.Exit(1)
		}
		// Exited without a stop request.
		if ctx.Err() == nil {
			os.Exit(0)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if ss.cancel == nil {
		return nil
	}
	ss.cancel()
	select {
	case <-ss.done:
		return nil
	case <-time.After(serviceStopTimeout):
		return errors.New("gateway did not stop in time")
	}
}

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(newServerService(new(serverFlags)), svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	var workingDir, cfgFile string
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install the gateway as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(workingDir) == 0 {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to get current working directory, %w", err)
				}
				workingDir = wd
			}
			if !filepath.IsAbs(workingDir) {
				abs, err := filepath.Abs(workingDir)
				if err != nil {
					return fmt.Errorf("failed to resolve working directory, %w", err)
				}
				workingDir = abs
			}

			svcCfg.Arguments = []string{"start", "--as-service", "-d", workingDir}
			if len(cfgFile) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", cfgFile)
			}
			s, err := service.New(newServerService(new(serverFlags)), svcCfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&workingDir, "dir", "d", "", "working directory of the service, default is the current directory")
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file, relative to the working directory")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the gateway service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gateway service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.Start(); err != nil {
				return err
			}
			time.Sleep(time.Second)
			s, err := svc.Status()
			if err != nil {
				mlog.S().Warnw("cannot get service status", "error", err)
				return nil
			}
			if s != service.StatusRunning {
				mlog.S().Errorw("service is not running, check the system log for details", "status", statusString(s))
				return nil
			}
			mlog.S().Info("service is running")
			return nil
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the gateway service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the gateway service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status of the gateway service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusString(s))
			return nil
		},
		SilenceUsage: true,
	}
}

func statusString(s service.Status) string {
	switch s {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
