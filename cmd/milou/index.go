// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/milou/internal/dedup"
	"github.com/pdiddy/milou/pkg/types"
)

var indexCmd = &cobra.Command{
	Use:   "index -o OUTPUT_DIR",
	Short: "Show what the download index of an output directory holds",
	RunE:  runIndex,
}

func init() {
	indexCmd.Flags().StringP("output", "o", "", "output directory")
	indexCmd.Flags().Bool("json", false, "print counts as JSON")

	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlag("output_dir", cmd.Flags().Lookup("output")); err != nil {
		return err
	}
	dir := viper.GetString("output_dir")
	if dir == "" {
		return types.Configf("provide an output directory with -o")
	}
	if _, err := os.Stat(filepath.Join(dir, dedup.StateDir)); err != nil {
		return &types.InputError{Path: dir, Err: fmt.Errorf("no milou index: %w", err)}
	}

	idx, err := dedup.Open(dir)
	if err != nil {
		return err
	}
	defer idx.Close()

	st, err := idx.Stats()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if j, _ := cmd.Flags().GetBool("json"); j {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	fmt.Fprintf(out, "Index: %s\n", filepath.Join(dir, dedup.StateDir))
	fmt.Fprintf(out, "  URLs:     %d\n", st.URLs)
	fmt.Fprintf(out, "  Files:    %d\n", st.Contents)
	fmt.Fprintf(out, "  Runs:     %d\n", st.Runs)
	return nil
}
