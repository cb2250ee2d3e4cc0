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
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
)

const defaultQUICIdleTimeout = 30 * time.Second

// ServeH3 serves the gateway API over HTTP/3 on conn.
func (s *Server) ServeH3(conn net.PacketConn) error {
	defer conn.Close()

	if s.opts.HttpHandler == nil {
		return errMissingHTTPHandler
	}

	l, err := s.CreateQUICListner(conn, []string{http3.NextProtoH3}, s.opts.AllowedSNI)
	if err != nil {
		return err
	}
	defer l.Close()

	idleTimeout := s.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = defaultQUICIdleTimeout
	}

	hs := &http3.Server{
		Handler:        &httpHandlerWrapper{s},
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: defaultMaxHeaderBytes,
	}
	if ok := s.trackCloser(hs, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err = hs.ServeListener(l)
	if err == http.ErrServerClosed {
		return ErrServerClosed
	}
	return err
}
