package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"reactsync/internal/authority"
	"reactsync/internal/config"
	"reactsync/internal/reaction"
	"reactsync/internal/reactsync"
)

// oneShot runs fn against a manager with no background work and no
// cross-instance bridge.
func oneShot(ctx context.Context, cfg config.Config, fn func(*reactsync.Manager) (reaction.State, error)) (reaction.State, error) {
	client, err := authority.NewClient(cfg.AuthorityURL, authority.WithToken(cfg.AuthorityToken))
	if err != nil {
		return reaction.State{}, err
	}
	mc := cfg.Manager()
	mc.EnableCrossBrowserSync = false
	manager := reactsync.New(client, mc, reactsync.WithLogger(newLogger(cfg)))
	defer manager.Destroy()
	return fn(manager)
}

// printedState is the CLI view of a snapshot.
type printedState struct {
	reaction.State
	Total int `json:"total"`
}

func printState(w io.Writer, st reaction.State) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(printedState{State: st, Total: st.Total()})
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity-id>",
		Short: "Fetch the reaction state of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := oneShot(cmd.Context(), cfg, func(m *reactsync.Manager) (reaction.State, error) {
				return m.GetReactionState(cmd.Context(), args[0], true)
			})
			if err != nil {
				return err
			}
			if st.Source != reaction.SourceServer {
				return fmt.Errorf("authority unreachable at %s", cfg.AuthorityURL)
			}
			return printState(cmd.OutOrStdout(), st)
		},
	}
}

func newReactCmd(opts *rootOptions) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "react <entity-id> [reaction-type]",
		Short: "Set or remove the current user's reaction",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remove == (len(args) == 2) {
				return errors.New("give a reaction type or --remove, not both")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			var next *string
			if len(args) == 2 {
				next = &args[1]
			}
			st, err := oneShot(cmd.Context(), cfg, func(m *reactsync.Manager) (reaction.State, error) {
				return m.UpdateReaction(cmd.Context(), args[0], next)
			})
			if err != nil {
				var writeErr *reactsync.WriteError
				if errors.As(err, &writeErr) {
					return fmt.Errorf("authority rejected the write: %w", writeErr.Err)
				}
				return err
			}
			return printState(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the current reaction")
	return cmd
}
