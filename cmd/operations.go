package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/expiry"
	"github.com/vadiminshakov/cambio/internal/lifecycle"
	"github.com/vadiminshakov/cambio/internal/terminal"
)

type quoteFlags struct {
	opType string
	amount string
}

func (f *quoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.opType, "type", string(domain.OperationCompra), "Compra (buy USD) or Venta (sell USD)")
	cmd.Flags().StringVar(&f.amount, "amount", "", "USD for Compra, PEN for Venta")
	_ = cmd.MarkFlagRequired("amount")
}

// quote prices the trade at the current published rates.
func (f *quoteFlags) quote(ctx context.Context, a *app) (domain.Quote, error) {
	opType := domain.OperationType(f.opType)
	if opType != domain.OperationCompra && opType != domain.OperationVenta {
		return domain.Quote{}, errors.Errorf("invalid --type %q, expected Compra or Venta", f.opType)
	}
	amount, err := decimal.NewFromString(f.amount)
	if err != nil {
		return domain.Quote{}, errors.Wrapf(err, "invalid --amount %q", f.amount)
	}

	rates, err := a.backend.FetchRates(ctx)
	if err != nil {
		return domain.Quote{}, errors.Wrap(err, "fetch rates")
	}
	return domain.NewQuote(opType, amount, rates.For(opType))
}

func printQuote(q domain.Quote) {
	fmt.Printf("%s %s USD = %s PEN at %s\n",
		q.Type, q.AmountUSD.StringFixed(2), q.AmountPEN.StringFixed(2), q.ExchangeRate.StringFixed(3))
}

func quoteCmd(opts *rootOptions) *cobra.Command {
	var f quoteFlags
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a trade at the current rates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			q, err := f.quote(cmd.Context(), a)
			if err != nil {
				return err
			}
			printQuote(q)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func createCmd(opts *rootOptions) *cobra.Command {
	var f quoteFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Accept a quote and open an operation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			q, err := f.quote(ctx, a)
			if err != nil {
				return err
			}

			op, err := a.backend.CreateOperation(ctx, a.cfg.DNI, q)
			if err != nil {
				return errors.Wrap(err, "create operation")
			}
			a.tracker.Upsert(op)

			r := expiry.Compute(op.CreatedAt, a.cfg.ExpirationTimeout, time.Now())
			fmt.Println(terminal.Detail(op, r, op.Status == domain.StatusPending))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func cancelCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseOperationID(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.close()

			return cancelOperation(cmd.Context(), a, id, reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the operation is cancelled (required)")
	return cmd
}

// cancelOperation checks the cancellation locally before asking the backend for it.
func cancelOperation(ctx context.Context, a *app, id int64, reason string) error {
	op, err := a.operation(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := lifecycle.CanCancel(op, reason); err != nil {
		return err
	}
	if err := a.backend.Cancel(ctx, id, reason); err != nil {
		return errors.Wrapf(err, "cancel %s", op.Code)
	}
	if err := a.tracker.Cancel(id, reason, now); err != nil {
		a.l.Warn("cancelled on the server but not locally", zap.Int64("operation_id", id), zap.Error(err))
	}

	fmt.Printf("✓ Operation %s cancelled\n", op.Code)
	return nil
}
