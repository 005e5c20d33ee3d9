// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/lirui-tech/fourth/internal/config"
	"github.com/lirui-tech/fourth/internal/logging"
	"github.com/lirui-tech/fourth/internal/supervisor"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

const defaultConfigPath = "/etc/fourth/config.yaml"

func main() {
	color.Cyan("fourth %s - a layer-4 reverse proxy", VERSION)

	path := os.Getenv("FOURTH_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		color.Red("failed to load config %q: %v", path, err)
		os.Exit(1)
	}

	level := cfg.Log
	if override := os.Getenv("FOURTH_LOG"); override != "" {
		level = override
	}
	log := logging.New(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("config", path).Info("starting")
	sup := supervisor.New(cfg, log)
	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Error("exiting due to listener failure")
		os.Exit(1)
	}
}
