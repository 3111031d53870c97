package main

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/config"
)

func newAgentsCommand(s *config.Settings) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the configured agents",
	}
	listCmd, err := NewAgentsListCommand(s)
	if err != nil {
		return nil, err
	}
	cobraListCmd, err := buildGlazedCommand(listCmd)
	if err != nil {
		return nil, err
	}
	cmd.AddCommand(cobraListCmd)
	return cmd, nil
}

type AgentsListCommand struct {
	*cmds.CommandDescription
	settings *config.Settings
}

type AgentsListSettings struct {
	Probe bool `glazed:"probe"`
}

func NewAgentsListCommand(s *config.Settings) (*AgentsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List configured agents"),
		cmds.WithLong("List the built-in and file-configured agents, optionally probing each one's health first."),
		cmds.WithFlags(
			fields.New(
				"probe",
				fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Probe every agent once before listing"),
			),
		),
		cmds.WithSections(glazedSection),
	)
	return &AgentsListCommand{CommandDescription: desc, settings: s}, nil
}

func (c *AgentsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	ls := &AgentsListSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, ls); err != nil {
		return err
	}
	return c.list(ctx, ls, gp)
}

func (c *AgentsListCommand) list(ctx context.Context, ls *AgentsListSettings, gp middlewares.Processor) error {
	s := *c.settings
	dir, err := buildDirectory(s, agents.NewMemorySelectionStore())
	if err != nil {
		return err
	}
	if ls.Probe {
		registry, err := buildRegistry(s)
		if err != nil {
			return err
		}
		agents.NewProber(dir,
			agents.ModelListChecker{Listers: registry.Lister},
			agents.HTTPHealthChecker{},
			agents.ProberSettings{Timeout: s.Agents.ProbeTimeout},
		).ProbeOnce(ctx)
	}

	defaultID := dir.DefaultAgentID()
	for _, v := range dir.Views(true) {
		checked := ""
		var latency int64
		if v.LastHealthCheck != nil {
			checked = v.LastHealthCheck.UTC().Format(time.RFC3339)
			latency = *v.ResponseTimeMs
		}
		row := types.NewRow(
			types.MRP("id", v.ID),
			types.MRP("default", v.ID == defaultID),
			types.MRP("kind", string(v.Kind)),
			types.MRP("provider", v.Provider),
			types.MRP("model", v.Model),
			types.MRP("status", string(v.Status)),
			types.MRP("last_health_check", checked),
			types.MRP("response_time_ms", latency),
			types.MRP("capabilities", strings.Join(v.Capabilities, ",")),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &AgentsListCommand{}
