package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/leonj1/river/adapter/sse"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// Call starts a run on streamKey and prints every delivered envelope to out
// as one JSON line. It returns the latest resume token seen, which stays
// valid after a disconnect or a clean finish.
func Call(ctx context.Context, serverURL, streamKey, inputJSON string, out io.Writer) (string, error) {
	cli := sse.NewClient(serverURL + "/v1/stream")
	var input any
	if inputJSON != "" {
		input = json.RawMessage(inputJSON)
	}
	stream, err := cli.Start(ctx, streamKey, input)
	if err != nil {
		return "", err
	}
	defer func() { _ = stream.Close() }()
	return printEvents(stream, out)
}

// Resume re-attaches to a run from an encoded token, replaying everything
// after its cursor, and prints envelopes the same way Call does.
func Resume(ctx context.Context, serverURL, encodedToken string, out io.Writer) (string, error) {
	cli := sse.NewClient(serverURL + "/v1/stream")
	stream, err := cli.Resume(ctx, encodedToken)
	if err != nil {
		return "", err
	}
	defer func() { _ = stream.Close() }()
	return printEvents(stream, out)
}

func printEvents(stream *sse.Stream, out io.Writer) (string, error) {
	enc := json.NewEncoder(out)
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.LastToken(), nil
		}
		if err != nil {
			return stream.LastToken(), err
		}
		if err := enc.Encode(ev.Envelope); err != nil {
			return stream.LastToken(), err
		}
	}
}

// NewCallCommand constructs the `call` command.
func NewCallCommand(baseURL BaseURLFunc) *cobra.Command {
	callCmd := &cobra.Command{
		Use:   "call <stream-key>",
		Short: "Start a run and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputJSON, _ := cmd.Flags().GetString("input")
			tok, err := Call(cmd.Context(), baseURL(), args[0], inputJSON, cmd.OutOrStdout())
			printToken(cmd.OutOrStdout(), tok)
			return err
		},
	}
	callCmd.Flags().StringP("input", "i", "", "Run input as a JSON object")
	return callCmd
}

// NewResumeCommand constructs the `resume` command.
func NewResumeCommand(baseURL BaseURLFunc) *cobra.Command {
	resumeCmd := &cobra.Command{
		Use:   "resume <token>",
		Short: "Resume a run from an encoded token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := Resume(cmd.Context(), baseURL(), args[0], cmd.OutOrStdout())
			printToken(cmd.OutOrStdout(), tok)
			return err
		},
	}
	return resumeCmd
}

func printToken(out io.Writer, tok string) {
	if tok == "" {
		return
	}
	_, _ = fmt.Fprintf(out, "{\"resume_token\":%q}\n", tok)
}
