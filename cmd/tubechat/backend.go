package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/tubechat/pkg/backend"
	"github.com/go-go-golems/tubechat/pkg/youtube"
)

func newBackendCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Call the retrieval backend directly",
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Check the backend health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newBackendClient().Health(cmd.Context())
			if err != nil {
				return err
			}
			return writeWire(cmd.OutOrStdout(), st)
		},
	}

	summaryCmd, err := NewBackendSummaryCommand()
	if err != nil {
		return nil, err
	}
	summary, err := cli.BuildCobraCommand(summaryCmd)
	if err != nil {
		return nil, err
	}
	searchCmd, err := NewBackendSearchCommand()
	if err != nil {
		return nil, err
	}
	search, err := cli.BuildCobraCommand(searchCmd)
	if err != nil {
		return nil, err
	}

	del := &cobra.Command{
		Use:   "delete <video>",
		Short: "Remove a processed video from the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := videoArg(args[0])
			if err != nil {
				return err
			}
			if err := newBackendClient().DeleteVideo(cmd.Context(), id); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			return nil
		},
	}

	cmd.AddCommand(health, summary, search, del)
	return cmd, nil
}

type BackendSummaryCommand struct {
	*cmds.CommandDescription
}

type BackendSummarySettings struct {
	Video string `glazed:"video"`
}

func NewBackendSummaryCommand() (*BackendSummaryCommand, error) {
	return &BackendSummaryCommand{
		CommandDescription: cmds.NewCommandDescription(
			"summary",
			cmds.WithShort("Print the summary of a processed video"),
			cmds.WithArguments(
				fields.New("video", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Video id or URL")),
			),
		),
	}, nil
}

func (c *BackendSummaryCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &BackendSummarySettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	id, err := videoArg(s.Video)
	if err != nil {
		return err
	}
	summary, err := newBackendClient().Summary(ctx, id)
	if err != nil {
		return err
	}
	return gp.AddRow(ctx, summaryRow(summary))
}

func summaryRow(s *backend.Summary) types.Row {
	return types.NewRow(
		types.MRP("video_id", s.VideoID),
		types.MRP("summary", s.Summary),
		types.MRP("key_points", s.KeyPoints),
		types.MRP("model_type", s.ModelType),
	)
}

type BackendSearchCommand struct {
	*cmds.CommandDescription
}

type BackendSearchSettings struct {
	Video string `glazed:"video"`
	Query string `glazed:"query"`
	Limit int    `glazed:"limit"`
}

func NewBackendSearchCommand() (*BackendSearchCommand, error) {
	return &BackendSearchCommand{
		CommandDescription: cmds.NewCommandDescription(
			"search",
			cmds.WithShort("Search the transcript chunks of a processed video"),
			cmds.WithFlags(
				fields.New("limit", fields.TypeInteger, fields.WithDefault(5), fields.WithHelp("Maximum number of hits")),
			),
			cmds.WithArguments(
				fields.New("video", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Video id or URL")),
				fields.New("query", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Search query")),
			),
		),
	}, nil
}

func (c *BackendSearchCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &BackendSearchSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	id, err := videoArg(s.Video)
	if err != nil {
		return err
	}
	res, err := newBackendClient().Search(ctx, id, s.Query, s.Limit)
	if err != nil {
		return err
	}
	return addSearchRows(ctx, gp, res)
}

// addSearchRows emits one row per hit, best first as the backend ranked them.
func addSearchRows(ctx context.Context, gp middlewares.Processor, res *backend.SearchResult) error {
	for i, hit := range res.Results {
		row := types.NewRow(
			types.MRP("rank", i+1),
			types.MRP("score", hit.Score),
			types.MRP("text", hit.Text),
		)
		if ts, ok := hit.Metadata["timestamp"]; ok {
			row.Set("timestamp", ts)
		}
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ cmds.GlazeCommand = &BackendSummaryCommand{}
	_ cmds.GlazeCommand = &BackendSearchCommand{}
)

func newBackendClient() *backend.Client {
	return backend.NewClient(appConfig.Backend.URL, backend.WithTimeouts(appConfig.Backend.Timeouts))
}

func videoArg(arg string) (string, error) {
	id := youtube.Normalize(arg)
	if id == "" {
		return "", errors.Errorf("%q is not a video id or URL", arg)
	}
	return id, nil
}

// writeWire prints a backend response as YAML under its JSON field names.
func writeWire(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return writeYAML(w, generic)
}
