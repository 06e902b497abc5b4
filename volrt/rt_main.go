package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"

	"github.com/gekko3d/volsynth"
	"github.com/gekko3d/volsynth/volrt/rt/app"
	"github.com/gekko3d/volsynth/volrt/rt/core"
	"github.com/gekko3d/volsynth/volrt/rt/shaders"

	"github.com/go-gl/glfw/v3.3/glfw"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file (watched for changes)")
	backend := flag.String("backend", "", "Override the configured backend: wgpu or memory")
	logJSON := flag.Bool("log-json", false, "Log structured JSON instead of plain text")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	debug := flag.Bool("debug", false, "Enable debug logging and the profiler overlay")
	dump := flag.String("dump", "", "Write the slice atlas to this PNG once ready (memory backend) or set the dump directory (wgpu)")
	frames := flag.Int("frames", 10000, "Headless frame limit")
	flag.Parse()

	cfg := volsynth.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = volsynth.LoadConfig(*configPath)
		if err != nil {
			panic(err)
		}
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	cfg.Debug = cfg.Debug || *debug
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	var log core.Logger = core.NewDefaultLogger("volsynth", cfg.Debug)
	if *logJSON {
		zl, err := core.NewZapLogger("volsynth", cfg.Debug)
		if err != nil {
			panic(err)
		}
		defer zl.Sync()
		log = zl
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	metrics := volsynth.NewMetrics()
	if cfg.MetricsAddr != "" {
		metrics.Serve(ctx, cfg.MetricsAddr, log)
	}

	if cfg.Backend == volsynth.BackendMemory {
		runHeadless(ctx, cfg, log, metrics, *dump, *frames)
		return
	}
	runWindow(ctx, cfg, log, metrics, *configPath, *dump)
}

func runHeadless(ctx context.Context, cfg *volsynth.Config, log core.Logger, metrics *volsynth.Metrics, dump string, frames int) {
	p, err := volsynth.NewPipeline(shaders.NewMemoryDevice(), cfg, log, metrics)
	if err != nil {
		panic(err)
	}
	defer p.Close()

	n, err := p.RunUntilReady(ctx, frames)
	if err != nil {
		log.Errorf("headless run stopped after %d frames: %v", n, err)
		os.Exit(1)
	}
	log.Infof("ready after %d frames", n)
	if dump != "" {
		if err := p.DumpAtlas(dump, 4); err != nil {
			log.Errorf("dump: %v", err)
			os.Exit(1)
		}
	}
}

func runWindow(ctx context.Context, cfg *volsynth.Config, log core.Logger, metrics *volsynth.Metrics, configPath, dumpDir string) {
	if err := glfw.Init(); err != nil {
		panic(err)
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	window, err := glfw.CreateWindow(1280, 720, "volsynth", nil, nil)
	if err != nil {
		panic(err)
	}
	defer window.Destroy()

	application := app.NewApp(window, cfg, log, metrics)
	application.DebugMode = cfg.Debug
	if dumpDir != "" {
		application.DumpDir = dumpDir
	}

	if configPath != "" {
		watcher, err := volsynth.NewConfigWatcher(configPath, log)
		if err != nil {
			panic(err)
		}
		defer watcher.Close()
		if err := watcher.Start(ctx); err != nil {
			panic(err)
		}
		application.Updates = watcher.Updates()
	}

	if err := application.Init(); err != nil {
		panic(err)
	}
	defer application.Close()

	window.SetFramebufferSizeCallback(func(w *glfw.Window, width, height int) {
		application.Resize(width, height)
	})
	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		application.HandleKey(key, action)
	})

	for !window.ShouldClose() && ctx.Err() == nil {
		glfw.PollEvents()
		application.Update()
		application.Render()
	}
}
