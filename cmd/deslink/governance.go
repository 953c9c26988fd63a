package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"deslink/internal/app"
	"deslink/internal/governance"

	"github.com/spf13/cobra"
)

func newGovernanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "governance",
		Aliases: []string{"gov"},
		Short:   "查看治理提案、投票和执行",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "列出提案",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, state, err := loadGovernance(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			fmt.Printf("Reputation: %s (eligible: %t)\n\n", state.Reputation, state.Eligible)
			if len(state.Proposals) == 0 {
				fmt.Println("No proposals.")
				return nil
			}
			printProposals(state.Proposals)
			return nil
		},
	}

	var against bool
	vote := &cobra.Command{
		Use:   "vote <proposal-id>",
		Short: "对提案投票，默认赞成",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProposalID(args[0])
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, _, err := loadGovernance(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			view, err := a.Governance.Vote(ctx, id, !against)
			if err != nil {
				return userError(err)
			}
			fmt.Println("Vote submitted.")
			printProposals([]governance.ProposalView{*view})
			return nil
		},
	}
	vote.Flags().BoolVar(&against, "against", false, "投反对票")

	execute := &cobra.Command{
		Use:   "execute <proposal-id>",
		Short: "执行已通过的提案",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProposalID(args[0])
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, _, err := loadGovernance(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			view, err := a.Governance.Execute(ctx, id)
			if err != nil {
				return userError(err)
			}
			fmt.Println("Proposal executed.")
			printProposals([]governance.ProposalView{*view})
			return nil
		},
	}

	cmd.AddCommand(list, vote, execute)
	return cmd
}

// loadGovernance 连接钱包并加载治理面板
func loadGovernance(ctx context.Context) (*app.App, *governance.State, error) {
	a, err := connectedApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	account := a.Session.Snapshot().Account
	if account == nil {
		_ = a.Close()
		return nil, nil, fmt.Errorf("Please connect your wallet first")
	}
	state, err := a.Governance.Load(ctx, *account)
	if err != nil {
		_ = a.Close()
		return nil, nil, userError(err)
	}
	return a, state, nil
}

func parseProposalID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("Please enter a valid proposal ID")
	}
	return id, nil
}

func printProposals(views []governance.ProposalView) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tDESCRIPTION\tFOR\tAGAINST\tEXPIRES\tSTATE\tACTIONS")
	for _, v := range views {
		state := "open"
		switch {
		case v.Executed:
			state = "executed"
		case v.Expired:
			state = "expired"
		}

		var actions []string
		if v.CanVote {
			actions = append(actions, "vote")
		}
		if v.CanExecute {
			actions = append(actions, "execute")
		}
		if len(actions) == 0 {
			actions = []string{"-"}
		}

		expires := "-"
		if v.ExpiresAt != nil {
			expires = time.Unix(v.ExpiresAt.Int64(), 0).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.TypeName, v.Description, v.VotesFor, v.VotesAgainst, expires, state, strings.Join(actions, ","))
	}
	w.Flush()
}
