package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/pkg/conversation"
	"github.com/go-go-golems/tubechat/pkg/kv"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

type HistoryListCommand struct {
	*cmds.CommandDescription
}

type HistoryListSettings struct {
	Video string `glazed:"video"`
}

func NewHistoryListCommand() (*HistoryListCommand, error) {
	return &HistoryListCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List the stored videos, or the conversation of one video"),
			cmds.WithFlags(
				fields.New(
					"video",
					fields.TypeString,
					fields.WithDefault(""),
					fields.WithHelp("Video id or URL"),
				),
			),
		),
	}, nil
}

func (c *HistoryListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &HistoryListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return withConversations(ctx, func(store *conversation.Store) error {
		if s.Video == "" {
			return listVideos(ctx, gp, store)
		}
		id := youtube.Normalize(s.Video)
		if id == "" {
			return errors.Errorf("--video %q is not a video id or URL", s.Video)
		}
		return listConversation(ctx, gp, id, store.Load(ctx, id))
	})
}

var _ cmds.GlazeCommand = &HistoryListCommand{}

func newHistoryCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear stored conversations",
	}

	listCmd, err := NewHistoryListCommand()
	if err != nil {
		return nil, err
	}
	cobraList, err := cli.BuildCobraCommand(listCmd)
	if err != nil {
		return nil, err
	}

	var clearVideo string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the conversation of a video",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := youtube.Normalize(clearVideo)
			if id == "" {
				return errors.Errorf("--video %q is not a video id or URL", clearVideo)
			}
			return withConversations(cmd.Context(), func(store *conversation.Store) error {
				if err := store.Clear(cmd.Context(), id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared conversation for %s\n", id)
				return nil
			})
		},
	}
	clearCmd.Flags().StringVar(&clearVideo, "video", "", "Video id or URL")
	_ = clearCmd.MarkFlagRequired("video")

	cmd.AddCommand(cobraList, clearCmd)
	return cmd, nil
}

func withConversations(ctx context.Context, fn func(*conversation.Store) error) error {
	store, err := kv.Open(ctx, appConfig.Storage)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer func() { _ = store.Close() }()
	return fn(conversation.NewStore(store))
}

// listVideos emits one row per video with a stored conversation.
func listVideos(ctx context.Context, gp middlewares.Processor, store *conversation.Store) error {
	ids, err := store.Videos(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		entries := store.Load(ctx, id)
		row := types.NewRow(
			types.MRP("video_id", id),
			types.MRP("entries", len(entries)),
		)
		if n := len(entries); n > 0 {
			row.Set("last_asked", entries[n-1].Timestamp.Format(time.RFC3339))
		}
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func listConversation(ctx context.Context, gp middlewares.Processor, videoID string, entries []conversation.Entry) error {
	for _, e := range entries {
		row := types.NewRow(
			types.MRP("video_id", videoID),
			types.MRP("timestamp", e.Timestamp.Format(time.RFC3339)),
			types.MRP("question", e.Question),
			types.MRP("answer", e.Answer),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
