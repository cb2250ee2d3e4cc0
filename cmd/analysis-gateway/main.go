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

package main

import (
	"os"

	"github.com/pmkol/analysis-gateway/coremain"
	"github.com/pmkol/analysis-gateway/mlog"
	"go.uber.org/zap"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("exited", zap.Error(err))
		os.Exit(1)
	}
}
