package main

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/spf13/cobra"
)

func buildGlazedCommand(c cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("ONELINE_CHAT",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}
