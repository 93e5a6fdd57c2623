package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dukex/convoflow/pkg/flowfile"
	"github.com/dukex/convoflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
)

var ErrInvalidFlows = errors.New("invalid flows found")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate flow files without starting the engine",
		ArgsUsage: "<file or directory>",
		Action: func(_ context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return cli.Exit("a flow file or directory is required", 1)
			}

			return validateFlows(os.Stdout, path)
		},
	}
}

func validateFlows(out io.Writer, path string) error {
	flows, err := flowfile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	invalid := 0

	for _, flow := range flows {
		_, _ = fmt.Fprintf(out, "Flow: %s (%s)\n", flow.Name, flow.ID)

		if err := validate.Struct(flow); err != nil {
			_, _ = fmt.Fprintf(out, "  INVALID: %v\n", err)
			invalid++

			continue
		}

		report := web.Inspect(flow)

		for _, issue := range report.Errors {
			_, _ = fmt.Fprintf(out, "  error: %v\n", issue)
		}

		for _, issue := range report.Warnings {
			_, _ = fmt.Fprintf(out, "  warning: %v\n", issue)
		}

		if !report.Valid() {
			invalid++

			continue
		}

		_, _ = fmt.Fprintln(out, "  VALID")
	}

	_, _ = fmt.Fprintf(out, "\nValidated %d flows, %d invalid\n", len(flows), invalid)

	if invalid > 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFlows, invalid)
	}

	return nil
}
