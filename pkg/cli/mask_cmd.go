package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"querycheck/internal/sqlmask"
)

type maskResult struct {
	Query string `json:"query"`
	Mask  string `json:"sql_mask"`
	Hash  string `json:"sql_hash"`
	Read  bool   `json:"read_query"`
}

func newMaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mask [sql...]",
		Short: "Print the canonical mask and hash of queries",
		Long:  "Masks each argument, or each non-blank stdin line when no arguments are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			queries := args
			if len(queries) == 0 {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
				for scanner.Scan() {
					if line := strings.TrimSpace(scanner.Text()); line != "" {
						queries = append(queries, line)
					}
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
			}

			results := make([]maskResult, len(queries))
			for i, q := range queries {
				mask := sqlmask.Mask(q)
				results[i] = maskResult{Query: q, Mask: mask, Hash: sqlmask.Hash(mask), Read: sqlmask.IsReadQuery(mask)}
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), results)
			}
			for _, r := range results {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Hash, r.Mask)
			}
			return nil
		},
	}
}
