package narration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// CommandSynthesizer - встроенный синтез через локальную утилиту (espeak-ng и совместимые).
// Текст передается через stdin.
type CommandSynthesizer struct {
	Path string
	// Args - дополнительные аргументы; {voice} и {rate} подставляются.
	Args []string
}

var _ Synthesizer = (*CommandSynthesizer)(nil)

// DefaultCommandSynthesizer - espeak-ng: голос через -v, скорость (слов в минуту) через -s.
func DefaultCommandSynthesizer() *CommandSynthesizer {
	return &CommandSynthesizer{
		Path: "espeak-ng",
		Args: []string{"-v", "{voice}", "-s", "{rate}", "--stdin"},
	}
}

func (c *CommandSynthesizer) Speak(ctx context.Context, text, voice string, rate float64) error {
	if c.Path == "" {
		return errors.New("synthesizer command is not configured")
	}
	if voice == "" || voice == "default" {
		voice = "en"
	}
	wpm := strconv.Itoa(int(175 * rate))
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		a = strings.ReplaceAll(a, "{voice}", voice)
		args[i] = strings.ReplaceAll(a, "{rate}", wpm)
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("synthesizer %s: %w: %s", c.Path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
