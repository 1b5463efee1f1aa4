package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/video"
)

// errQuit ends the console loop without an error.
var errQuit = errors.New("quit")

const helpText = `commands:
  /connect                 open the session
  /disconnect              close the session
  /mic                     toggle microphone capture
  /camera                  toggle camera capture
  /screen                  toggle screen capture
  /preset NAME             apply a preset (%s)
  /config voice NAME       change the voice
  /config rate HZ          change the output sample rate
  /config instruction TEXT change the system instruction
  /status                  show session and media state
  /quit                    exit
anything else is sent as a text message`

// repl reads one command per line from in. It returns nil on /quit, EOF or
// ctx cancellation.
func (a *App) repl(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	a.println(`murmur ready, type /help for commands`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := a.Exec(ctx, line)
			switch {
			case errors.Is(err, errQuit):
				return nil
			case err != nil:
				a.println("error: " + err.Error())
			}
		}
	}
}

// Exec runs a single console line.
func (a *App) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return a.sessions.SendText(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		a.println(fmt.Sprintf(helpText, strings.Join(config.PresetNames(), ", ")))
	case "/quit", "/exit":
		return errQuit
	case "/connect":
		if err := a.sessions.Connect(ctx); err != nil {
			return err
		}
		a.println("connected")
	case "/disconnect":
		if err := a.sessions.Disconnect(); err != nil {
			return err
		}
		a.println("disconnected")
	case "/mic":
		on, err := a.sessions.ToggleMic(ctx)
		if err != nil {
			return err
		}
		a.println("microphone " + onOff(on))
	case "/camera":
		return a.toggleVideo(ctx, video.KindCamera)
	case "/screen":
		return a.toggleVideo(ctx, video.KindScreen)
	case "/preset":
		next := cloneConfig(a.sessions.Config())
		if err := config.ApplyPreset(next, arg); err != nil {
			return err
		}
		return a.apply(ctx, next)
	case "/config":
		key, value, _ := strings.Cut(arg, " ")
		next, err := withSetting(a.sessions.Config(), key, strings.TrimSpace(value))
		if err != nil {
			return err
		}
		return a.apply(ctx, next)
	case "/status":
		a.println(a.status())
	default:
		return fmt.Errorf("unknown command %s, type /help", cmd)
	}
	return nil
}

func (a *App) toggleVideo(ctx context.Context, kind video.SourceKind) error {
	on, err := a.sessions.ToggleVideo(ctx, kind)
	if err != nil {
		return err
	}
	a.println(string(kind) + " " + onOff(on))
	return nil
}

func (a *App) apply(ctx context.Context, next *config.Config) error {
	reconnected, err := a.sessions.Reconfigure(ctx, next)
	if err != nil {
		return err
	}
	msg := "settings saved, applied on next connect"
	if reconnected {
		msg = "settings applied, session reconnected"
	}
	a.println(msg)
	return nil
}

func (a *App) status() string {
	cfg := a.sessions.Config()
	mic, kind := a.sessions.Media()
	videoState := "off"
	if kind != "" {
		videoState = string(kind)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "session: %s\n", a.sessions.State())
	fmt.Fprintf(&b, "voice: %s, output rate: %d Hz\n", cfg.Session.Voice, cfg.Audio.OutputSampleRate)
	fmt.Fprintf(&b, "microphone: %s, video: %s", onOff(mic), videoState)
	if a.sessions.Conversation().MemoryDegraded() {
		b.WriteString("\nmemory: degraded")
	}
	return b.String()
}

// withSetting returns a copy of cfg with one session setting changed.
func withSetting(cfg *config.Config, key, value string) (*config.Config, error) {
	if value == "" {
		return nil, errors.New("usage: /config voice|rate|instruction VALUE")
	}
	next := cloneConfig(cfg)
	switch key {
	case "voice":
		next.Session.Voice = value
	case "rate":
		hz, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("rate %q is not a number", value)
		}
		if err := config.ValidateSampleRate(hz); err != nil {
			return nil, err
		}
		next.Audio.OutputSampleRate = hz
	case "instruction":
		next.Session.SystemInstruction = value
	default:
		return nil, fmt.Errorf("unknown setting %q, want voice, rate or instruction", key)
	}
	return next, nil
}

// cloneConfig copies cfg deeply enough that session edits do not alias it.
func cloneConfig(cfg *config.Config) *config.Config {
	next := *cfg
	next.Session.ResponseModalities = append([]string(nil), cfg.Session.ResponseModalities...)
	next.Memory.Backends = append([]config.MemoryBackend(nil), cfg.Memory.Backends...)
	return &next
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
