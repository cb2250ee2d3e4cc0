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
	"time"

	"github.com/pmkol/analysis-gateway/mlog"
)

type Config struct {
	Log      mlog.LogConfig `yaml:"log"`
	Include  []string       `yaml:"include"`
	Servers  []ServerConfig `yaml:"servers"`
	API      APIConfig      `yaml:"api"`
	Cache    CacheConfig    `yaml:"cache"`
	Backends BackendsConfig `yaml:"backends"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Trace    TraceConfig    `yaml:"trace"`

	// GetUserIPFromHeader names a header holding the client address, in
	// addition to "True-Client-IP" "X-Real-IP" "X-Forwarded-For".
	GetUserIPFromHeader string `yaml:"get_user_ip_from_header"`
}

type ServerConfig struct {
	Tag       string                  `yaml:"tag"`
	Listeners []*ServerListenerConfig `yaml:"listeners"`
}

type ServerListenerConfig struct {
	// Protocol: server protocol, can be:
	// "", "http" -> plain http
	// "https", "tls" -> https with h2 and http/1.1
	// "h3", "http3" -> http/3 over quic
	Protocol string `yaml:"protocol"`

	// Addr: server "host:port" addr.
	// Addr cannot be empty.
	Addr string `yaml:"addr"`

	UnixDomainSocket bool `yaml:"uds"` // http and https only

	Cert          string `yaml:"cert"`           // certificate path, used by https, h3
	Key           string `yaml:"key"`            // certificate key path, used by https, h3
	KeyDir        string `yaml:"key_dir"`        // keeps session ticket and stateless reset keys across restarts
	KernelTX      bool   `yaml:"kernel_tx"`      // use kernel tls to send data
	KernelRX      bool   `yaml:"kernel_rx"`      // use kernel tls to receive data
	AllowedSNI    string `yaml:"allowed_sni"`    // reject handshakes for any other server name
	ProxyProtocol bool   `yaml:"proxy_protocol"` // accepting the PROXYProtocol

	IdleTimeout uint `yaml:"idle_timeout"` // (sec) connection idle timeout.
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

type CacheConfig struct {
	// Backend is one of "redis", "memory" and "sqlite". Default is "redis".
	Backend string `yaml:"backend"`

	// Redis is the redis url, "redis://[:password@]host:port/db".
	// A bare "host:port" is accepted.
	Redis        string        `yaml:"redis"`
	RedisTimeout time.Duration `yaml:"redis_timeout"`

	Size int    `yaml:"size"` // memory backend capacity
	Path string `yaml:"path"` // sqlite database file. Default is in $XDG_CACHE_HOME.

	CleanerInterval time.Duration `yaml:"cleaner_interval"` // memory and sqlite
}

type BackendsConfig struct {
	FastProcessor string `yaml:"fast_processor"`
	AIService     string `yaml:"ai_service"`
	MLEnsemble    string `yaml:"ml_ensemble"`

	// CA lists PEM files trusted for https backends.
	// Empty means the system pool.
	CA       []string `yaml:"ca"`
	Insecure bool     `yaml:"insecure_skip_verify"`

	MaxConns    int           `yaml:"max_conns"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type TimeoutsConfig struct {
	FastProcessor time.Duration `yaml:"fast_processor"`
	Ensemble      time.Duration `yaml:"ensemble"`
	AIService     time.Duration `yaml:"ai_service"`
	Contact       time.Duration `yaml:"contact"`
	Health        time.Duration `yaml:"health"`
}

type TraceConfig struct {
	// Stdout exports spans to stdout.
	Stdout      bool    `yaml:"stdout"`
	PrettyPrint bool    `yaml:"pretty_print"`
	SampleRatio float64 `yaml:"sample_ratio"` // Default is 1.
}
