package main

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/bus/wsbridge"
	"github.com/go-go-golems/tubechat/pkg/protocol"
	"github.com/go-go-golems/tubechat/pkg/settings"
)

// coordinatorBus reaches the coordinator either in process or, with remote set, through the
// websocket bridge of a running `tubechat serve`.
func coordinatorBus(ctx context.Context, remote string, ep bus.Endpoint) (bus.Bus, func(), error) {
	if remote != "" {
		c, err := wsbridge.Dial(ctx, remote, ep)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}
	ext, err := openExtension(ctx)
	if err != nil {
		return nil, nil, err
	}
	return ext.Bus(), func() { _ = ext.Close() }, nil
}

type SettingsGetCommand struct {
	*cmds.CommandDescription
}

type SettingsGetSettings struct {
	Remote string `glazed:"remote"`
	Key    string `glazed:"key"`
}

func NewSettingsGetCommand() (*SettingsGetCommand, error) {
	return &SettingsGetCommand{
		CommandDescription: cmds.NewCommandDescription(
			"get",
			cmds.WithShort("Print the settings, or a single setting"),
			cmds.WithFlags(
				fields.New("remote", fields.TypeString, fields.WithDefault(""), fields.WithHelp(remoteHelp)),
			),
			cmds.WithArguments(
				fields.New("key", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Setting to print")),
			),
		),
	}, nil
}

func (c *SettingsGetCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &SettingsGetSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	b, closeBus, err := coordinatorBus(ctx, s.Remote, bus.None())
	if err != nil {
		return err
	}
	defer closeBus()
	current, err := callSettings(ctx, b, protocol.MustEnvelope(protocol.ActionGetSettings, nil))
	if err != nil {
		return err
	}
	return addSettingRows(ctx, gp, current, s.Key)
}

var _ cmds.GlazeCommand = &SettingsGetCommand{}

// addSettingRows emits one key/value row per setting in stable key order, or only key when set.
func addSettingRows(ctx context.Context, gp middlewares.Processor, current map[string]any, key string) error {
	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if key != "" {
		if _, ok := current[key]; !ok {
			return errors.Wrapf(settings.ErrInvalid, "unknown setting %q", key)
		}
		keys = []string{key}
	}
	for _, k := range keys {
		if err := gp.AddRow(ctx, types.NewRow(types.MRP("key", k), types.MRP("value", current[k]))); err != nil {
			return err
		}
	}
	return nil
}

const remoteHelp = "Websocket URL of a running serve, e.g. ws://localhost:8765/ws"

func newSettingsCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change the extension settings through the coordinator",
	}

	getCmd, err := NewSettingsGetCommand()
	if err != nil {
		return nil, err
	}
	get, err := cli.BuildCobraCommand(getCmd)
	if err != nil {
		return nil, err
	}

	var remote string
	set := &cobra.Command{
		Use:   "set key=value...",
		Short: "Change one or more settings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseAssignments(args)
			if err != nil {
				return err
			}
			b, closeBus, err := coordinatorBus(cmd.Context(), remote, bus.None())
			if err != nil {
				return err
			}
			defer closeBus()
			env, err := protocol.NewEnvelope(protocol.ActionUpdateSettings, protocol.UpdateSettingsPayload{Settings: patch})
			if err != nil {
				return err
			}
			updated, err := callSettings(cmd.Context(), b, env)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), updated)
		},
	}
	set.Flags().StringVar(&remote, "remote", "", remoteHelp)

	cmd.AddCommand(get, set)
	return cmd, nil
}

// parseAssignments turns key=value arguments into a typed settings patch.
func parseAssignments(args []string) (map[string]any, error) {
	patch := map[string]any{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, errors.Errorf("expected key=value, got %q", arg)
		}
		v, err := settings.ParseValue(key, raw)
		if err != nil {
			return nil, err
		}
		patch[key] = v
	}
	return patch, nil
}

func callSettings(ctx context.Context, b bus.Bus, env protocol.Envelope) (map[string]any, error) {
	res, err := bus.Call[protocol.Result](ctx, b, bus.None(), bus.Coordinator(), env)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", env.Action)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := res.DecodeData(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "encode yaml")
	}
	return enc.Close()
}
