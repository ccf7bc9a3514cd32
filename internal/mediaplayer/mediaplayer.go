// Package mediaplayer implements C10: on wake-word detection, try to
// pause a co-resident media player (e.g. spotifyd via playerctl)
// with a bounded wait. The pause command line is tokenized with
// go-shellwords.
package mediaplayer

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// Config names the player to control. PlayerPrefix filters
// `playerctl --list-all` output; an empty prefix matches any player.
// CommandTemplate overrides the pause invocation; it must contain a
// {player} and {action} placeholder, e.g.
// "playerctl --player {player} {action}".
type Config struct {
	PlayerPrefix    string
	Timeout         time.Duration
	CommandTemplate string
}

// Controller pauses a media player on request and reports whether it
// actually paused something.
type Controller struct {
	cfg Config
	log *slog.Logger
}

// New constructs a Controller. A zero Config disables all matching
// (PauseActive always reports false without running any command).
func New(cfg Config, log *slog.Logger) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CommandTemplate == "" {
		cfg.CommandTemplate = "playerctl --player {player} {action}"
	}
	return &Controller{cfg: cfg, log: log}
}

// PauseActive runs synchronously, bounded by Config.Timeout, and starts
// no goroutine of its own; the runtime calls it from a helper goroutine
// per detection so the detection loop does not wait on it. It returns
// whether a player was actually paused as a result of this call.
func (c *Controller) PauseActive(parent context.Context) bool {
	if c.cfg.PlayerPrefix == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(parent, c.cfg.Timeout)
	defer cancel()

	instance, err := c.findInstance(ctx)
	if err != nil || instance == "" {
		if c.log != nil {
			c.log.Debug("mediaplayer: no matching player instance", "error", err)
		}
		return false
	}
	playing, err := c.isPlaying(ctx, instance)
	if err != nil || !playing {
		if c.log != nil {
			c.log.Debug("mediaplayer: player not playing, nothing to pause", "instance", instance)
		}
		return false
	}
	argv, err := c.renderCommand(instance, "pause")
	if err != nil || len(argv) == 0 {
		if c.log != nil {
			c.log.Debug("mediaplayer: command template invalid", "error", err)
		}
		return false
	}
	if err := c.run(ctx, argv[0], argv[1:]...); err != nil {
		if c.log != nil {
			c.log.Debug("mediaplayer: pause failed", "instance", instance, "error", err)
		}
		return false
	}
	return true
}

// renderCommand substitutes {player}/{action} into the configured
// template and tokenizes the result with ParseCommandTemplate.
func (c *Controller) renderCommand(instance, action string) ([]string, error) {
	rendered := strings.ReplaceAll(c.cfg.CommandTemplate, "{player}", instance)
	rendered = strings.ReplaceAll(rendered, "{action}", action)
	return ParseCommandTemplate(rendered)
}

func (c *Controller) findInstance(ctx context.Context) (string, error) {
	out, err := c.output(ctx, "playerctl", "--list-all")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, c.cfg.PlayerPrefix) {
			return line, nil
		}
	}
	return "", nil
}

func (c *Controller) isPlaying(ctx context.Context, instance string) (bool, error) {
	out, err := c.output(ctx, "playerctl", "--player", instance, "status")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "Playing", nil
}

func (c *Controller) run(ctx context.Context, command string, args ...string) error {
	return exec.CommandContext(ctx, command, args...).Run()
}

func (c *Controller) output(ctx context.Context, command string, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = &buf
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ParseCommandTemplate tokenizes a rendered command template with
// go-shellwords; renderCommand uses it for every pause invocation.
func ParseCommandTemplate(template string) ([]string, error) {
	parser := shellwords.NewParser()
	return parser.Parse(template)
}
