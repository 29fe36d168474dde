// Command pushgen writes the TypeScript client stubs of the built-in endpoints.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fgrzl/pushkit/examples/countdown"
	"github.com/fgrzl/pushkit/pkg/registry"
	"github.com/fgrzl/pushkit/pkg/stubgen"
	"github.com/spf13/cobra"
)

var handlers = map[string]func() any{
	countdown.Name: func() any { return countdown.New(nil) },
}

var (
	outPath    string
	importPath string
)

var rootCmd = &cobra.Command{
	Use:          "pushgen <endpoint>",
	Short:        "Generate a TypeScript client stub for an endpoint",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return endpointNames(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		newHandler, ok := handlers[args[0]]
		if !ok {
			return fmt.Errorf("unknown endpoint %q (known: %v)", args[0], endpointNames())
		}

		var w io.Writer = cmd.OutOrStdout()
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return stubgen.Generate(w, args[0], registry.Bind(newHandler()), importPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default: stdout)")
	rootCmd.Flags().StringVar(&importPath, "import", stubgen.DefaultImport, "module the stub imports open from")
}

func endpointNames() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
