package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/zeroq/internal/zoo"
)

func modelsCmd() *cli.Command {
	var dir string
	return &cli.Command{
		Name:    "models",
		Aliases: []string{"ls", "list-models"},
		Usage:   "List the models that can be quantized",
		Flags: []cli.Flag{
			modelsPathFlag(&dir),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cfg := LoadConfig(); cfg.ModelsDir != "" && !cmd.IsSet("models-path") {
				dir = cfg.ModelsDir
			}
			return listModels(os.Stdout, strings.TrimSpace(dir))
		},
	}
}

// listModels prints the zoo, marking models whose checkpoint is present in dir.
func listModels(w io.Writer, dir string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDATASET\tCLASSES\tINPUT\tWEIGHTS")
	for _, name := range zoo.Names() {
		spec, err := zoo.Lookup(name)
		if err != nil {
			return err
		}
		weights := "-"
		if dir != "" {
			path := filepath.Join(dir, name+".safetensors")
			if _, err := os.Stat(path); err == nil {
				weights = path
			}
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", spec.Name, spec.Dataset, spec.NumClasses, spec.InputSize, weights)
	}
	return tw.Flush()
}
