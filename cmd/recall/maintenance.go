package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/recall/pkg/types"
)

var (
	userID         string
	conversationID string
	batchSize      int
)

var repairSequenceCmd = &cobra.Command{
	Use:   "repair-sequence",
	Short: "Renumber a conversation 1..N by creation time",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := types.ValidateIDs("user", userID, "conversation", conversationID); err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := buildStack(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer s.close()

		n, err := s.engine.RepairSequence(cmd.Context(), userID, conversationID)
		if err != nil {
			return err
		}
		logger.Info().Str("conversation_id", conversationID).Int("renumbered", n).Msg("sequence repaired")
		return printJSON(cmd, map[string]int{"renumbered": n})
	},
}

var vectorizeBacklogCmd = &cobra.Command{
	Use:   "vectorize-backlog",
	Short: "Embed a user's records that have no vector yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := types.ValidateID("user", userID); err != nil {
			return err
		}
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := buildStack(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer s.close()

		report, err := s.engine.VectorizeBacklog(cmd.Context(), userID, batchSize)
		if err != nil {
			return err
		}
		logger.Info().
			Int("processed", report.Processed).
			Int("success", report.Success).
			Int("failed", report.Failed).
			Str("embedding_breaker", s.provider.BreakerState()).
			Msg("backlog run finished")
		return printJSON(cmd, report)
	},
}

var migrateLegacyCmd = &cobra.Command{
	Use:   "migrate-legacy",
	Short: "Rewrite legacy-encoded message content into plain text",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		n, err := store.NormalizeLegacyContent(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info().Int("rewritten", n).Msg("legacy content normalized")
		return printJSON(cmd, map[string]int{"rewritten": n})
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func init() {
	repairSequenceCmd.Flags().StringVar(&userID, "user", "", "owning user ID (UUID)")
	repairSequenceCmd.Flags().StringVar(&conversationID, "conversation", "", "conversation ID (UUID)")
	_ = repairSequenceCmd.MarkFlagRequired("user")
	_ = repairSequenceCmd.MarkFlagRequired("conversation")

	vectorizeBacklogCmd.Flags().StringVar(&userID, "user", "", "owning user ID (UUID)")
	vectorizeBacklogCmd.Flags().IntVar(&batchSize, "batch", 0, "records per batch (0 uses vector.backlog_batch_size)")
	_ = vectorizeBacklogCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(repairSequenceCmd, vectorizeBacklogCmd, migrateLegacyCmd)
}
