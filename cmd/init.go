package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/devserve/internal/scaffolding"
)

var (
	initTemplate string
	initName     string
	initPort     int
	initForce    bool
	initList     bool
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a starter site",
	Long: `Write a starter site and a .devserve.yml into dir (default: the current
directory). Existing files are left alone unless --force is given.

Examples:
  devserve init                    # basic site in the current directory
  devserve init blog --port 3001   # basic site in ./blog
  devserve init --template templ   # templ components
  devserve init --list             # list templates`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVarP(&initTemplate, "template", "t", scaffolding.DefaultTemplate, "Site template to use")
	initCmd.Flags().StringVarP(&initName, "name", "n", "", "Project name (default: directory name)")
	initCmd.Flags().IntVarP(&initPort, "port", "p", 8080, "Port written to .devserve.yml")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	initCmd.Flags().BoolVar(&initList, "list", false, "List available templates")
}

func runInit(cmd *cobra.Command, args []string) error {
	gen := scaffolding.NewGenerator()
	out := cmd.OutOrStdout()

	if initList {
		for _, info := range gen.ListTemplates() {
			fmt.Fprintf(out, "%-8s %s (%d files)\n", info.Name, info.Description, info.Files)
		}
		return nil
	}

	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	written, err := gen.Generate(scaffolding.GenerateOptions{
		Dir:         dir,
		Template:    initTemplate,
		ProjectName: initName,
		Port:        initPort,
		Force:       initForce,
	})
	if err != nil {
		return err
	}

	for _, path := range written {
		fmt.Fprintf(out, "  created %s\n", path)
	}
	fmt.Fprintf(out, "Run 'devserve serve' in %s to start.\n", dir)
	return nil
}
