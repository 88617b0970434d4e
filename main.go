// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// bds3 is a userspace daemon presenting an S3 bucket as a fixed size
// block device. Reads and writes of byte ranges are translated into
// downloads, uploads and deletes of per-block objects, with a write-back
// cache, a zero block cache and an eventual consistency protection layer
// in between. The device-exposure bridge (NBD, BUSE or FUSE based)
// attaches to the byte-range surface returned by the bds3 package.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/bds3 assembles the store stack and exposes the byte-range
// device surface over it.
//
// - internal/store contains the uniform block store contract and one
// package per stack layer. See the package descriptions in the source
// code for more details.
//
// - internal/store/null contains trivial implementation of a block store
// which does nothing but correctly. It can be used for benchmarking the
// device surface and the upper layers without backend traffic.
//
// - internal/config contains configuration package which is common for
// all backends.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/bds3/internal/bds3"
	"github.com/asch/bds3/internal/config"
	"github.com/asch/bds3/internal/store/null"
)

// Parse configuration from file and environment variables, assemble the
// store stack and expose the device surface until SIGINT or SIGTERM asks
// for a graceful finish, which flushes all deferred writes.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort, config.Cfg.Metrics)
	}

	device, err := getDevice(config.Cfg.Null)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().Int64("size", device.Size()).Msg("Device ready.")

	waitForSignal()

	log.Info().Msg("Flushing and shutting down.")
	if err := device.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown failed.")
		os.Exit(1)
	}
}

// Device is the byte-range surface a bridge drives.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Trim(off, length int64) error
	Flush() error
	Shutdown() error
	Size() int64
}

// Return device over the null backend if user wants it, otherwise the
// device over the full s3 stack, which is default.
func getDevice(wantNullDevice bool) (Device, error) {
	if wantNullDevice {
		return bds3.New(null.New(), bds3.Options{
			BlockSize: config.Cfg.BlockSize,
			NumBlocks: config.NumBlocks(),
		}), nil
	}

	return bds3.NewWithDefaults()
}

// Block until SIGINT or SIGTERM came in.
func waitForSignal() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	<-stopChan
	log.Info().Msg("Received interrupt, stopping device.")
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and optionally the prometheus metrics
// endpoint. Useful for perfomance debugging.
func runProfiler(port int, withMetrics bool) {
	if withMetrics {
		http.Handle("/metrics", promhttp.Handler())
	}

	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
