package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/service"
	"github.com/spf13/cobra"
)

func askCmd() *cobra.Command {
	var (
		tenantID       string
		conversationID string
		stream         bool
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run one question through the query pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, logger, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close()

			out := cmd.OutOrStdout()
			if stream {
				events, err := a.Orchestrator.ProcessQueryStream(ctx, tenantID, conversationID, args[0], service.QueryOptions{})
				if err != nil {
					return err
				}
				for ev := range events {
					switch ev.Type {
					case domain.EventContent, domain.EventError:
						fmt.Fprint(out, ev.Content)
					case domain.EventCitations:
						if len(ev.Citations) > 0 {
							fmt.Fprintf(out, "\n\nSources: %v", ev.Citations)
						}
					}
				}
				fmt.Fprintln(out)
				return nil
			}

			resp, err := a.Orchestrator.ProcessQuery(ctx, tenantID, conversationID, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}

			fmt.Fprintln(out, resp.Content)
			if len(resp.Citations) > 0 {
				fmt.Fprintf(out, "\nSources: %v\n", resp.Citations)
			}
			if resp.Fallback {
				fmt.Fprintf(os.Stderr, "query failed at %s\n", resp.FailedStage)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant namespace to query")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation to record the exchange in")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the answer")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
