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

package utils

import (
	"crypto/x509"
	"fmt"
	"os"
)

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// SetDefaultNum sets *p to d if *p <= 0.
func SetDefaultNum[T number](p *T, d T) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// CheckNumRange returns an error if v is not in [min, max].
func CheckNumRange[T number](v, min, max T) error {
	if v < min || v > max {
		return fmt.Errorf("value %v out of range [%v, %v]", v, min, max)
	}
	return nil
}

// LoadCertPool reads PEM certificates from files into a new pool.
func LoadCertPool(certs []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, cert := range certs {
		b, err := os.ReadFile(cert)
		if err != nil {
			return nil, err
		}
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("no valid certificate found in %s", cert)
		}
	}
	return pool, nil
}
