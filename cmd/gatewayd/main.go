package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/loqa-edge/wakegate/internal/config"
	"github.com/loqa-edge/wakegate/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath     string
		showVersion    bool
		consumerAddr   string
		producerAddr   string
		inputDevice    string
		threshold      float64
		debounceMS     int
		spotifyPlayer  string
		melspecModel   string
		embeddingModel string
		metricsAddr    string
		mediaPlayerCmd string
		wakewordPlugin string
		vadMultiplier  float64
		eventStorePath string
		eventRetention string
	)

	var keywordModels stringSliceFlag

	flag.StringVar(&configPath, "config", "gateway.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&consumerAddr, "consumer-addr", "", "Override consumer server listen address")
	flag.StringVar(&producerAddr, "producer-addr", "", "Override producer server listen address")
	flag.StringVar(&inputDevice, "input-device", "", "Override capture input device name")
	flag.Var(&keywordModels, "wakeword-model", "Path to a keyword model (repeatable)")
	flag.Float64Var(&threshold, "threshold", 0, "Override wakeword classifier threshold")
	flag.IntVar(&debounceMS, "debounce-ms", 0, "Override wakeword debounce interval in milliseconds")
	flag.StringVar(&spotifyPlayer, "spotify-player", "", "Override media-player prefix to match for ducking")
	flag.StringVar(&melspecModel, "melspec-model", "", "Path to the mel filterbank model")
	flag.StringVar(&embeddingModel, "embedding-model", "", "Path to the embedding model")
	flag.StringVar(&metricsAddr, "metrics-addr", "", "Override HTTP bind address for /healthz, /readyz, /metrics")
	flag.StringVar(&mediaPlayerCmd, "media-player-cmd", "", "Override the media-player ducking command template")
	flag.StringVar(&wakewordPlugin, "wakeword-plugin", "", "Path to an optional wazero wakeword scoring module")
	flag.Float64Var(&vadMultiplier, "vad-multiplier", 0, "Override the voice-activity-gate energy-ratio multiplier")
	flag.StringVar(&eventStorePath, "event-store", "", "Override the audit event store database path")
	flag.StringVar(&eventRetention, "event-retention", "", "Override the audit event store retention mode")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	applyFlagOverrides(&cfg, flagOverrides{
		consumerAddr:   consumerAddr,
		producerAddr:   producerAddr,
		inputDevice:    inputDevice,
		keywordModels:  keywordModels.values,
		threshold:      threshold,
		debounceMS:     debounceMS,
		spotifyPlayer:  spotifyPlayer,
		melspecModel:   melspecModel,
		embeddingModel: embeddingModel,
		metricsAddr:    metricsAddr,
		mediaPlayerCmd: mediaPlayerCmd,
		wakewordPlugin: wakewordPlugin,
		vadMultiplier:  vadMultiplier,
		eventStorePath: eventStorePath,
		eventRetention: eventRetention,
	})

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// newLogger picks a text handler for an interactive terminal and a
// JSON handler otherwise, since structured logs are only useful to a
// human when nothing downstream is going to parse them.
func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// stringSliceFlag collects a repeatable -flag value1 -flag value2 ...
// into a slice, since the standard flag package has no built-in
// multi-value flag type.
type stringSliceFlag struct {
	values []string
}

func (s *stringSliceFlag) String() string {
	return fmt.Sprint(s.values)
}

func (s *stringSliceFlag) Set(value string) error {
	s.values = append(s.values, value)
	return nil
}

type flagOverrides struct {
	consumerAddr   string
	producerAddr   string
	inputDevice    string
	keywordModels  []string
	threshold      float64
	debounceMS     int
	spotifyPlayer  string
	melspecModel   string
	embeddingModel string
	metricsAddr    string
	mediaPlayerCmd string
	wakewordPlugin string
	vadMultiplier  float64
	eventStorePath string
	eventRetention string
}

// applyFlagOverrides applies only the flags the caller actually set,
// giving flags the highest precedence over the env-and-file-derived
// cfg without clobbering unset fields with flag zero values.
func applyFlagOverrides(cfg *config.Config, o flagOverrides) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["consumer-addr"] {
		cfg.Consumer.Addr = o.consumerAddr
	}
	if set["producer-addr"] {
		cfg.Producer.Addr = o.producerAddr
	}
	if set["input-device"] {
		cfg.Capture.InputDevice = o.inputDevice
	}
	if len(o.keywordModels) > 0 {
		cfg.Wakeword.KeywordModelPaths = o.keywordModels
	}
	if set["threshold"] {
		cfg.Wakeword.Threshold = o.threshold
	}
	if set["debounce-ms"] {
		cfg.Wakeword.DebounceMS = o.debounceMS
	}
	if set["spotify-player"] {
		cfg.MediaPlayer.PlayerPrefix = o.spotifyPlayer
	}
	if set["melspec-model"] {
		cfg.Wakeword.MelspecModelPath = o.melspecModel
	}
	if set["embedding-model"] {
		cfg.Wakeword.EmbeddingModelPath = o.embeddingModel
	}
	if set["metrics-addr"] {
		if host, port, err := net.SplitHostPort(o.metricsAddr); err == nil {
			cfg.HTTP.Bind = host
			if p, err := strconv.Atoi(port); err == nil {
				cfg.HTTP.Port = p
			}
		}
	}
	if set["media-player-cmd"] {
		cfg.MediaPlayer.CommandTmpl = o.mediaPlayerCmd
	}
	if set["wakeword-plugin"] {
		cfg.Plugin.ModulePath = o.wakewordPlugin
	}
	if set["vad-multiplier"] {
		cfg.VAD.Multiplier = o.vadMultiplier
	}
	if set["event-store"] {
		cfg.EventStore.Path = o.eventStorePath
	}
	if set["event-retention"] {
		cfg.EventStore.RetentionMode = o.eventRetention
	}
}
