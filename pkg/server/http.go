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

package server

import (
	"net"
	"time"

	"github.com/pires/go-proxyproto"
	"gitlab.com/go-extension/http"
)

const (
	// TLS handshake + HTTP headers (Slowloris protection)
	defaultReadHeaderTimeout = 3 * time.Second

	// Request bodies are small JSON documents.
	defaultReadTimeout = 10 * time.Second

	// AI backed pass-through calls may take up to 30s.
	defaultWriteTimeout = 60 * time.Second

	defaultTCPIdleTimeout = 60 * time.Second
	defaultMaxHeaderBytes = 16 << 10
)

var httpsNextProtos = []string{"h2", "http/1.1"}

// ServeHTTP serves the gateway API in plain HTTP on l.
func (s *Server) ServeHTTP(l net.Listener) error {
	return s.serveHTTP(l, false)
}

// ServeHTTPS serves the gateway API over TLS on l.
func (s *Server) ServeHTTPS(l net.Listener) error {
	return s.serveHTTP(l, true)
}

func (s *Server) serveHTTP(l net.Listener, useTLS bool) error {
	defer l.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	// The PROXY header precedes the TLS handshake.
	if s.opts.ProxyProtocol {
		l = &proxyproto.Listener{Listener: l, ReadHeaderTimeout: defaultReadHeaderTimeout}
	}
	if useTLS {
		tl, err := s.CreateETLSListner(l, httpsNextProtos, s.opts.AllowedSNI)
		if err != nil {
			return err
		}
		l = tl
	}

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultTCPIdleTimeout
	}

	hs := &http.Server{
		Handler:           &eHttpHandlerWrapper{s},
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}
	if ok := s.trackCloser(hs, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.Serve(l)
	if err == http.ErrServerClosed {
		return ErrServerClosed
	}
	return err
}
