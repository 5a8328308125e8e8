package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/db"
	"github.com/spf13/cobra"
)

const tableTimeFormat = "2006-01-02 15:04"

var errUnknownProvider = errors.New("provider must be gemini or elevenlabs")

type addKeyOptions struct {
	name     string
	provider string
	secret   string
	notes    string
	tier     string
	quota    int64
	disabled bool
}

func newKeysCmd(state *cliState) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the credential pool",
	}

	keysCmd.AddCommand(
		newAddKeyCmd(state),
		newListKeysCmd(state),
		newSetEnabledCmd(state, "disable", "Retire a credential without deleting it", false),
		newSetEnabledCmd(state, "enable", "Put a retired credential back into rotation", true),
	)

	return keysCmd
}

func newAddKeyCmd(state *cliState) *cobra.Command {
	opts := &addKeyOptions{}

	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Add a credential to the pool",
		Example: `  tts-client keys add --name team-a --provider gemini --secret "$GEMINI_KEY" --quota 1000000`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.provider != core.ProviderGemini && opts.provider != core.ProviderElevenLabs {
				return fmt.Errorf("%w: %q", errUnknownProvider, opts.provider)
			}

			return withDatabase(cmd.Context(), state, func(database *db.DB) error {
				cred := core.Credential{
					Name:           opts.name,
					Provider:       opts.provider,
					Secret:         opts.secret,
					Notes:          opts.notes,
					Tier:           opts.tier,
					CharacterQuota: opts.quota,
					Enabled:        !opts.disabled,
				}

				err := database.CreateCredential(cmd.Context(), &cred)
				if err != nil {
					return fmt.Errorf("failed to add credential: %w", err)
				}

				state.log.Info("Credential %s (%s) added", cred.Name, cred.Provider)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", cred.ID, cred.Name)

				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.name, "name", "", "Display name")
	flags.StringVar(&opts.provider, "provider", core.ProviderGemini, "Speech provider (gemini or elevenlabs)")
	flags.StringVar(&opts.secret, "secret", "", "Provider API key")
	flags.StringVar(&opts.notes, "notes", "", "Free-form notes")
	flags.StringVar(&opts.tier, "tier", "", "Subscription tier")
	flags.Int64Var(&opts.quota, "quota", 0, "Character quota")
	flags.BoolVar(&opts.disabled, "disabled", false, "Add the credential retired")

	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("secret")

	return cmd
}

func newListKeysCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List credentials with their usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDatabase(cmd.Context(), state, func(database *db.DB) error {
				credentials, err := database.ListCredentials(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list credentials: %w", err)
				}

				writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(writer, "ID\tNAME\tPROVIDER\tSECRET\tUSED\tQUOTA\tENABLED\tLAST USED")

				for _, cred := range credentials {
					lastUsed := "never"
					if !cred.LastUsedAt.IsZero() {
						lastUsed = cred.LastUsedAt.Format(tableTimeFormat)
					}

					_, _ = fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
						cred.ID, cred.Name, cred.Provider, cred.MaskedSecret(),
						cred.CharactersUsed, cred.CharacterQuota, cred.Enabled, lastUsed)
				}

				return writer.Flush()
			})
		},
	}
}

func newSetEnabledCmd(state *cliState, use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <credential-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), state, func(database *db.DB) error {
				err := database.SetCredentialEnabled(cmd.Context(), args[0], enabled)
				if err != nil {
					return fmt.Errorf("failed to %s credential: %w", use, err)
				}

				state.log.Info("Credential %s enabled=%t", args[0], enabled)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])

				return nil
			})
		},
	}
}

func withDatabase(ctx context.Context, state *cliState, fn func(database *db.DB) error) error {
	database, err := db.New(ctx, state.cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	defer func() { _ = database.Close() }()

	return fn(database)
}
