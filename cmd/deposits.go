package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/ledger"
	"github.com/vadiminshakov/cambio/internal/lifecycle"
	"github.com/vadiminshakov/cambio/internal/terminal"
)

// parseDeposit reads a deposit given as AMOUNT:REFERENCE:IMAGE.
func parseDeposit(s string) (ledger.Entry, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return ledger.Entry{}, errors.Errorf("invalid deposit %q, expected AMOUNT:REFERENCE:IMAGE", s)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(parts[0]))
	if err != nil {
		return ledger.Entry{}, errors.Wrapf(err, "invalid deposit amount %q", parts[0])
	}
	ref := strings.TrimSpace(parts[1])
	if ref == "" {
		return ledger.Entry{}, errors.Errorf("deposit %q has no reference code", s)
	}
	image := strings.TrimSpace(parts[2])
	if _, err := os.Stat(image); err != nil {
		return ledger.Entry{}, errors.Wrapf(err, "deposit image %q", image)
	}

	return ledger.Entry{Amount: amount, ReferenceCode: ref, ImagePath: image}, nil
}

// stage builds the ledger from the deposit flags.
func stage(deposits []string) (*ledger.Ledger, error) {
	staged := ledger.New()
	for _, d := range deposits {
		e, err := parseDeposit(d)
		if err != nil {
			return nil, err
		}
		if err := staged.Add(e); err != nil {
			return nil, errors.Wrapf(err, "deposit %q", d)
		}
	}
	return staged, nil
}

func submitCmd(opts *rootOptions) *cobra.Command {
	var (
		operationID int64
		deposits    []string
		dryRun      bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Upload deposit proofs for a pending operation",
		Long: `Stages every --deposit, checks that they add up to what the operation
expects (within 0.01) and uploads them one by one. A failed upload stops the
submission; what is left can be retried with "cambio uploads --resubmit".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			staged, err := stage(deposits)
			if err != nil {
				return err
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			op, err := a.operation(ctx, operationID)
			if err != nil {
				return err
			}

			expected, currency := op.ExpectedDeposit()
			fmt.Println(terminal.Staged(staged.Entries(), staged.Total(), expected, currency))
			if dryRun {
				return staged.Reconcile(expected)
			}

			journal, err := ledger.OpenJournal(a.cfg.JournalDir, a.l)
			if err != nil {
				return err
			}
			defer journal.Close()

			submitter := ledger.NewSubmitter(a.backend, a.tracker, journal, a.cfg.ExpirationTimeout, a.l)
			res, err := submitter.Submit(ctx, op.ID, staged)
			if err != nil {
				return explainSubmit(err)
			}

			fmt.Printf("✓ %d deposits uploaded for %s (indexes %v)\n", len(res.Indexes), op.Code, res.Indexes)
			return nil
		},
	}
	cmd.Flags().Int64Var(&operationID, "operation", 0, "operation id")
	cmd.Flags().StringArrayVar(&deposits, "deposit", nil, "deposit as AMOUNT:REFERENCE:IMAGE, repeatable")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only check that the deposits add up")
	_ = cmd.MarkFlagRequired("operation")
	_ = cmd.MarkFlagRequired("deposit")
	return cmd
}

func explainSubmit(err error) error {
	var partial *ledger.PartialUploadError
	if errors.As(err, &partial) {
		fmt.Println(terminal.Error(err))
		fmt.Printf("uploaded %v, %d left; run `cambio uploads --resubmit` to retry\n", partial.Uploaded, len(partial.Pending))
	}
	return err
}

func uploadsCmd(opts *rootOptions) *cobra.Command {
	var resubmit bool

	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "List deposit uploads that did not complete",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			journal, err := ledger.OpenJournal(a.cfg.JournalDir, a.l)
			if err != nil {
				return err
			}
			defer journal.Close()

			pending := journal.Pending()
			fmt.Println(terminal.Uploads(pending))
			if !resubmit || len(pending) == 0 {
				return nil
			}
			return resubmitAll(cmd.Context(), a, journal, pending)
		},
	}
	cmd.Flags().BoolVar(&resubmit, "resubmit", false, "upload the listed deposits again")
	return cmd
}

func resubmitAll(ctx context.Context, a *app, journal *ledger.Journal, pending []ledger.UploadRecord) error {
	if err := a.load(ctx); err != nil {
		return err
	}

	seen := make(map[int64]struct{})
	var ids []int64
	for _, r := range pending {
		if _, ok := seen[r.OperationID]; !ok {
			seen[r.OperationID] = struct{}{}
			ids = append(ids, r.OperationID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	submitter := ledger.NewSubmitter(a.backend, a.tracker, journal, a.cfg.ExpirationTimeout, a.l)
	var failed error
	for _, id := range ids {
		res, err := submitter.Resubmit(ctx, id)
		switch {
		case closedOperation(err):
			fmt.Printf("- operation %d skipped: %v\n", id, err)
		case err != nil:
			failed = explainSubmit(err)
		default:
			fmt.Printf("✓ operation %d: indexes %v uploaded\n", id, res.Indexes)
		}
	}
	return failed
}

// closedOperation reports errors for operations that no longer accept deposits.
func closedOperation(err error) bool {
	return errors.Is(err, domain.ErrTerminalStatus) ||
		errors.Is(err, domain.ErrIllegalTransition) ||
		errors.Is(err, lifecycle.ErrExpired) ||
		errors.Is(err, lifecycle.ErrUnknownOperation)
}
