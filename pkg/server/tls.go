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
	"crypto/rand"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/quic-go/quic-go"
	eTLS "gitlab.com/go-extension/tls"
	"go.uber.org/zap"
)

const (
	statelessResetKeyFile = ".gateway_stateless_reset.key"
	sessionTicketKeyFile  = ".gateway_session_ticket.key"

	certReloadDelay = 2 * time.Second
)

type serverKeys struct {
	statelessReset quic.StatelessResetKey
	sessionTicket  [32]byte
}

// keys returns the TLS session ticket key and the QUIC stateless reset
// key. They are read from (or created in) KeyDir. If KeyDir is empty or
// unusable, random ephemeral keys are used.
func (s *Server) keys() *serverKeys {
	s.keysOnce.Do(func() {
		k := new(serverKeys)
		if dir := s.opts.KeyDir; len(dir) != 0 {
			reset, err1 := loadOrCreateKey(filepath.Join(dir, statelessResetKeyFile), dir)
			ticket, err2 := loadOrCreateKey(filepath.Join(dir, sessionTicketKeyFile), dir)
			err := errors.Join(err1, err2)
			if err == nil {
				copy(k.statelessReset[:], reset)
				copy(k.sessionTicket[:], ticket)
				s.serverKeys = k
				return
			}
			s.opts.Logger.Warn("failed to load persistent keys, using ephemeral keys", zap.String("dir", dir), zap.Error(err))
		}
		_, _ = rand.Read(k.statelessReset[:])
		_, _ = rand.Read(k.sessionTicket[:])
		s.serverKeys = k
	})
	return s.serverKeys
}

func loadOrCreateKey(keyFile string, keyDir string) ([]byte, error) {
	if data, err := os.ReadFile(keyFile); err == nil && len(data) == 32 {
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}

type cert[T tls.Certificate | eTLS.Certificate] struct {
	ptr atomic.Pointer[T]
}

func (c *cert[T]) get() *T {
	return c.ptr.Load()
}

func (c *cert[T]) set(newCert *T) {
	c.ptr.Store(newCert)
}

// tryCreateWatchCert loads the key pair and reloads it whenever one of the
// files changes. The watcher lives until s is closed.
func tryCreateWatchCert[T tls.Certificate | eTLS.Certificate](s *Server, certFile string, keyFile string, createFunc func(string, string) (T, error)) (*cert[T], error) {
	c, err := createFunc(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	cc := &cert[T]{}
	cc.set(&c)

	logger := s.opts.Logger
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create certificate watcher", zap.Error(err))
		return cc, nil
	}
	if ok := s.trackCloser(watcher, true); !ok {
		_ = watcher.Close()
		return nil, ErrServerClosed
	}

	watch := func() {
		for _, f := range []string{certFile, keyFile} {
			if err := watcher.Add(f); err != nil {
				logger.Warn("failed to watch certificate file", zap.String("file", f), zap.Error(err))
			}
		}
	}
	watch()

	go func() {
		defer s.trackCloser(watcher, false)

		timer := time.NewTimer(certReloadDelay)
		timer.Stop()
		defer timer.Stop()
		needReWatch := false

		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Chmod) {
					continue
				}
				logger.Debug("certificate event", zap.String("file", e.Name), zap.Stringer("op", e.Op))

				// Editors and cert managers often replace the file.
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					needReWatch = true
				}
				timer.Reset(certReloadDelay)

			case <-timer.C:
				if needReWatch {
					needReWatch = false
					_ = watcher.Remove(certFile)
					_ = watcher.Remove(keyFile)
					watch()
				}
				newCert, err := createFunc(certFile, keyFile)
				if err != nil {
					logger.Error("failed to reload certificate", zap.String("file", certFile), zap.Error(err))
					continue
				}
				cc.set(&newCert)
				logger.Info("certificate reloaded", zap.String("file", certFile))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("certificate watcher error", zap.Error(err))
			}
		}
	}()

	return cc, nil
}

func (s *Server) CreateQUICListner(conn net.PacketConn, nextProtos []string, allowedSNI string) (*quic.EarlyListener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	c, err := tryCreateWatchCert(s, s.opts.Cert, s.opts.Key, tls.LoadX509KeyPair)
	if err != nil {
		return nil, err
	}

	keys := s.keys()
	tr := &quic.Transport{
		Conn:              conn,
		StatelessResetKey: &keys.statelessReset,
	}

	return tr.ListenEarly(&tls.Config{
		NextProtos:       nextProtos,
		SessionTicketKey: keys.sessionTicket,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
				return nil, errors.New("invalid sni")
			}
			return cert, nil
		},
	}, &quic.Config{
		Allow0RTT:          true,
		MaxIncomingStreams: 1000,
	})
}

func (s *Server) CreateETLSListner(l net.Listener, nextProtos []string, allowedSNI string) (net.Listener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	c, err := tryCreateWatchCert(s, s.opts.Cert, s.opts.Key, eTLS.LoadX509KeyPair)
	if err != nil {
		return nil, err
	}

	return eTLS.NewListener(l, &eTLS.Config{
		SessionTicketKey: s.keys().sessionTicket,
		KernelTX:         s.opts.KernelTX,
		KernelRX:         s.opts.KernelRX,
		NextProtos:       nextProtos,

		CertificateCompressionPreferences: []eTLS.CertificateCompressionAlgorithm{
			eTLS.Brotli,
			eTLS.Zlib,
		},

		CurvePreferences: []eTLS.CurveID{
			eTLS.X25519,
			eTLS.CurveP256,
		},

		GetCertificate: func(chi *eTLS.ClientHelloInfo) (*eTLS.Certificate, error) {
			cert := c.get()
			if cert == nil {
				return nil, errors.New("certificate not available")
			}
			if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
				return nil, errors.New("invalid sni")
			}
			return cert, nil
		},
	}), nil
}
