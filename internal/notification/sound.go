package notification

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
)

// SoundNotifier plays a local sound for each alert. With no command it rings
// the terminal bell.
type SoundNotifier struct {
	enabled bool
	command string
	args    []string
	bell    io.Writer
	run     func(ctx context.Context, name string, args ...string) error
	logger  zerolog.Logger
}

// NewSoundNotifier creates a local sound notifier, e.g. command "aplay" with
// args ["/usr/share/sounds/alert.wav"].
func NewSoundNotifier(enabled bool, command string, args []string, logger zerolog.Logger) *SoundNotifier {
	return &SoundNotifier{
		enabled: enabled,
		command: command,
		args:    args,
		bell:    os.Stdout,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
		logger: logger.With().Str("component", "notify_sound").Logger(),
	}
}

func (s *SoundNotifier) Name() string  { return "sound" }
func (s *SoundNotifier) Enabled() bool { return s.enabled }

func (s *SoundNotifier) Send(ctx context.Context, msg Message) error {
	if !s.enabled {
		return ErrDisabled("sound")
	}
	if s.command != "" {
		err := s.run(ctx, s.command, s.args...)
		if err == nil {
			s.logger.Info().Int64("event_id", msg.EventID).Str("title", msg.Title).Msg("sound played")
			return nil
		}
		s.logger.Warn().Err(err).Str("command", s.command).Msg("player failed, ringing bell")
	}
	if _, err := io.WriteString(s.bell, "\a"); err != nil {
		return fmt.Errorf("sound: bell: %w", err)
	}
	s.logger.Info().Int64("event_id", msg.EventID).Str("title", msg.Title).Msg("bell rung")
	return nil
}

var _ Notifier = (*SoundNotifier)(nil)
