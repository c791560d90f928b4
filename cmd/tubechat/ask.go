package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"

	"github.com/go-go-golems/tubechat/pkg/youtube"
)

func newAskCommand() *cobra.Command {
	var (
		video   string
		copyOut bool
		force   bool
		render  bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about a video and stream the answer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := youtube.Normalize(video)
			if id == "" {
				return errors.Errorf("--video %q is not a video id or URL", video)
			}
			question := ""
			if len(args) == 1 {
				question = args[0]
			} else {
				q, err := promptQuestion(os.Stdin, os.Stderr)
				if err != nil {
					return err
				}
				question = q
			}
			if !cmd.Flags().Changed("render") {
				render = isatty.IsTerminal(os.Stdout.Fd())
			}

			answer, err := runAsk(cmd.Context(), cmd.OutOrStdout(), id, question, force, render)
			if err != nil {
				return err
			}
			if copyOut {
				if err := clipboard.WriteAll(answer); err != nil {
					return errors.Wrap(err, "copy answer to clipboard")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&video, "video", "", "Video id or URL")
	cmd.Flags().BoolVar(&copyOut, "copy", false, "Copy the final answer to the clipboard")
	cmd.Flags().BoolVar(&force, "force", false, "Reprocess the video even if the backend already has it")
	cmd.Flags().BoolVar(&render, "render", false, "Render the final answer as markdown (default when stdout is a terminal)")
	_ = cmd.MarkFlagRequired("video")
	return cmd
}

func promptQuestion(r io.Reader, w io.Writer) (string, error) {
	ui := &input.UI{Reader: r, Writer: w}
	answer, err := ui.Ask("Question", &input.Options{
		Required:  true,
		Loop:      true,
		HideOrder: true,
		ValidateFunc: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("please enter a question")
			}
			return nil
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "read question")
	}
	return answer, nil
}

// runAsk opens the video in a tab, processes it, then asks through the tab's content instance so
// the turn is stored in the conversation history. Tokens are echoed as they arrive unless the
// answer is rendered at the end.
func runAsk(ctx context.Context, out io.Writer, videoID, question string, force, render bool) (string, error) {
	ext, err := openExtension(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = ext.Close() }()

	tabID := ext.OpenTab(ctx, youtube.WatchURL(videoID))
	inst, err := ext.Content(tabID)
	if err != nil {
		return "", err
	}
	if res := inst.ProcessCurrent(ctx, force); !res.Success {
		return "", errors.Wrapf(res.Err(), "process video %s", videoID)
	}

	printed := 0
	onText := func(text string) {
		if render || len(text) < printed {
			return
		}
		_, _ = io.WriteString(out, text[printed:])
		printed = len(text)
	}
	answer, err := inst.AskStream(ctx, question, onText)
	if err != nil {
		if printed > 0 {
			_, _ = fmt.Fprintln(out)
		}
		return "", err
	}

	if !render {
		_, _ = io.WriteString(out, answer[min(printed, len(answer)):])
		_, _ = fmt.Fprintln(out)
		return answer, nil
	}
	styled, err := glamour.Render(answer, "dark")
	if err != nil {
		return "", errors.Wrap(err, "render answer")
	}
	_, _ = io.WriteString(out, styled)
	return answer, nil
}
