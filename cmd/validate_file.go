package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errNotConformant = errors.New("file does not conform to the schema")

func newValidateFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-file PATH",
		Short: "Convert and validate a single local file",
		Long: `Converts a local xlsx, ods or csv file to a 360Giving JSON package (json files
are read as is) and validates it against the package schema. Violations are
printed one per line and the command exits non-zero.`,
		Args: cobra.ExactArgs(1),
		RunE: runValidateFileCommand,
	}
}

func runValidateFileCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	res, err := appInstance.ValidateFile(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("validate file: %w", err)
	}
	out := cmd.OutOrStdout()
	if res.Valid() {
		fmt.Fprintf(out, "%s: valid\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "%s: %d validation error(s)\n", args[0], res.Count)
	for _, msg := range res.Errors {
		fmt.Fprintf(out, "  %s\n", msg)
	}
	return errNotConformant
}
