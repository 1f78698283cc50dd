/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"errors"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/lumen/engine"
	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/testbed"
)

func main() {
	configPath := flag.String("config", "lumen.toml", "path of the TOML configuration")
	driverName := flag.String("driver", "", "renderer driver, vulkan or software")
	headless := flag.Bool("headless", false, "render to off-screen surfaces")
	frames := flag.Uint64("frames", 0, "stop after this many frames")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		core.LogInfo("no configuration at %s, using defaults", *configPath)
		cfg = config.Default()
	case err != nil:
		core.LogFatal("%s", err)
	}

	if *driverName != "" {
		cfg.Renderer.Driver = *driverName
	}
	if *headless {
		cfg.Application.Headless = true
		if *driverName == "" {
			cfg.Renderer.Driver = config.DriverSoftware
		}
	}
	if *frames > 0 {
		cfg.Application.MaxFrames = *frames
	}

	tb := testbed.NewTestGame(cfg.Application.Name)

	e, err := engine.New(cfg, tb.Game)
	if err != nil {
		core.LogFatal("%s", err)
	}

	if err := e.Initialize(); err != nil {
		core.LogFatal("initialization failed: %s", err)
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	go func() {
		// the run loop notices the stop at the end of the frame
		<-sigCh
		e.Stop()
	}()

	runErr := e.Run()
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown: %s", err)
	}
	if runErr != nil {
		core.LogFatal("%s", runErr)
	}
}
