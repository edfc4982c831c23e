package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func seedCmd() *cobra.Command {
	var (
		tenantID string
		file     string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load pre-chunked knowledge into a tenant namespace",
		Long: `Reads a JSON array of chunks ({"id", "content", "source_id", "is_citable",
"embedding", "created_at"}) and upserts them into the configured vector index.
Chunks without an embedding are embedded with the configured embedder.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			a, logger, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close()

			n, err := a.Seed(ctx, tenantID, f)
			if err != nil {
				return err
			}
			logger.Info("Seeded chunks", zap.String("tenant_id", tenantID), zap.Int("count", n))
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d chunks into %s\n", n, tenantID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant namespace to load into")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file of chunks")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
