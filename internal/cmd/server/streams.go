package serverrun

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/leonj1/river"
	"github.com/leonj1/river/provider"
)

// countInput drives the count demo stream: {"value":0} .. {"value":max-1}.
type countInput struct {
	Max     int `json:"max"`
	DelayMs int `json:"delay_ms"`
}

func (in countInput) Validate() error {
	if in.Max < 0 {
		return errors.New("max must not be negative")
	}
	if in.DelayMs < 0 {
		return errors.New("delay_ms must not be negative")
	}
	return nil
}

// wordsInput drives the words demo stream: the text split on whitespace,
// streamed one word per chunk.
type wordsInput struct {
	Text    string `json:"text"`
	DelayMs int    `json:"delay_ms"`
}

func (in wordsInput) Validate() error {
	if strings.TrimSpace(in.Text) == "" {
		return errors.New("text must not be empty")
	}
	if in.DelayMs < 0 {
		return errors.New("delay_ms must not be negative")
	}
	return nil
}

// demoDefinitions builds the built-in streams every node serves.
func demoDefinitions(prov provider.Provider) []*river.Definition {
	count := river.NewStream("count").
		Input(river.JSONInput[countInput]()).
		Provider(prov).
		Runner(runCount)
	words := river.NewStream("words").
		Input(river.JSONInput[wordsInput]()).
		Provider(prov).
		Runner(runWords)
	return []*river.Definition{count, words}
}

func runCount(ctx context.Context, run *river.Run) error {
	in, _ := run.Input().(countInput)
	for i := 0; i < in.Max; i++ {
		if err := run.AppendChunk(ctx, map[string]int{"value": i}); err != nil {
			return err
		}
		if err := pause(ctx, in.DelayMs); err != nil {
			return err
		}
	}
	return nil
}

func runWords(ctx context.Context, run *river.Run) error {
	in, _ := run.Input().(wordsInput)
	for i, word := range strings.Fields(in.Text) {
		chunk := word
		if i > 0 {
			chunk = " " + word
		}
		if err := run.AppendChunk(ctx, chunk); err != nil {
			return err
		}
		if err := pause(ctx, in.DelayMs); err != nil {
			return err
		}
	}
	return nil
}

func pause(ctx context.Context, delayMs int) error {
	if delayMs <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
