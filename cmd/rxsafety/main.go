// Package main provides the rxsafety command line tool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/config"
	"github.com/drfirst/go-rxsafety/internal/domain/prescription"
	"github.com/drfirst/go-rxsafety/internal/fhir/mapper"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxsafety/internal/validation"
)

// errInvalid signals a draft that failed validation
var errInvalid = errors.New("draft is not valid")

func main() {
	rootCmd := &cobra.Command{
		Use:           "rxsafety",
		Short:         "Prescription safety validation tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(defaultsCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errInvalid) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

type validateOptions struct {
	draftPath   string
	catalogPath string
	rulesPath   string
	fhir        bool
	now         func() time.Time
}

func validateCmd() *cobra.Command {
	opts := validateOptions{now: time.Now}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a prescription draft against a catalog file",
		Long: "Validate a draft JSON file and print the verdict. Exits 1 when the\n" +
			"draft is not valid. With --fhir the input is a FHIR intake bundle and\n" +
			"the output an OperationOutcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.draftPath, "draft", "", "Path to the draft JSON file")
	cmd.Flags().StringVar(&opts.catalogPath, "catalog", "", "Path to the catalog JSON file")
	cmd.Flags().StringVar(&opts.rulesPath, "rules", "", "Optional ruleset file overriding the built-in rules")
	cmd.Flags().BoolVar(&opts.fhir, "fhir", false, "Treat the draft as a FHIR intake and print an OperationOutcome")
	cmd.MarkFlagRequired("draft")
	cmd.MarkFlagRequired("catalog")
	return cmd
}

func runValidate(out io.Writer, opts validateOptions) error {
	engine, err := newEngine(opts.rulesPath, opts.now)
	if err != nil {
		return err
	}

	provider, err := prescription.LoadStaticCatalogFile(opts.catalogPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(opts.draftPath)
	if err != nil {
		return fmt.Errorf("read draft: %w", err)
	}

	var draft *prescription.Draft
	if opts.fhir {
		var in mapper.Intake
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("decode intake: %w", err)
		}
		if draft, err = mapper.ToDraft(in); err != nil {
			return err
		}
	} else {
		draft = &prescription.Draft{}
		if err := json.Unmarshal(data, draft); err != nil {
			return fmt.Errorf("decode draft: %w", err)
		}
	}

	catalog, err := provider.Load(context.Background(), draft.MedicationIDs())
	if err != nil {
		return err
	}
	result := engine.ValidateForm(draft, catalog)

	var verdict any = result
	if opts.fhir {
		verdict = mapper.ToOperationOutcome(result, draft)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(verdict); err != nil {
		return fmt.Errorf("write verdict: %w", err)
	}

	if !result.Valid() {
		return errInvalid
	}
	return nil
}

func newEngine(rulesPath string, now func() time.Time) (*validation.Engine, error) {
	ruleset := validation.DefaultRuleset()
	if rulesPath != "" {
		var err error
		if ruleset, err = validation.LoadRulesetFile(rulesPath, ruleset); err != nil {
			return nil, err
		}
	}
	return validation.New(validation.WithRuleset(ruleset), validation.WithClock(now)), nil
}

func defaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults <category>",
		Short: "Print the line defaults for a therapeutic category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(validation.New().Defaults(args[0]))
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the topics used by the services",
		RunE: func(cmd *cobra.Command, args []string) error {
			replication, _ := cmd.Flags().GetInt16("replication")
			return withAdmin(cmd.Context(), func(ctx context.Context, cfg *config.Config, admin *redpanda.Admin) error {
				if replication == 0 {
					replication = int16(cfg.TopicReplication)
				}
				specs := redpanda.DefaultTopics(replication)
				if err := admin.EnsureTopics(ctx, specs); err != nil {
					return err
				}
				for _, s := range specs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tpartitions=%d\treplication=%d\n", s.Name, s.Partitions, s.ReplicationFactor)
				}
				return nil
			})
		},
	}
	ensureCmd.Flags().Int16("replication", 0, "Replication factor (defaults to TOPIC_REPLICATION)")
	cmd.AddCommand(ensureCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), func(ctx context.Context, _ *config.Config, admin *redpanda.Admin) error {
				names, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				sort.Strings(names)
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	})

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			return withAdmin(cmd.Context(), func(ctx context.Context, _ *config.Config, admin *redpanda.Admin) error {
				lag, err := admin.GroupLag(ctx, group)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(lag)
			})
		},
	}
	lagCmd.Flags().String("group", redpanda.DefaultConsumerConfig().GroupID, "Consumer group")
	cmd.AddCommand(lagCmd)

	return cmd
}

func withAdmin(ctx context.Context, fn func(context.Context, *config.Config, *redpanda.Admin) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := redpanda.Ping(ctx, cfg.Brokers); err != nil {
		return err
	}
	admin, err := redpanda.NewAdmin(cfg.Brokers, zap.NewNop())
	if err != nil {
		return err
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return fn(ctx, cfg, admin)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema applied successfully.")
			return nil
		},
	}
}
