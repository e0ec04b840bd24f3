package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/hospital-ledger/hmo"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/settlement"
	"github.com/warp/hospital-ledger/treatment"
)

// =============================================================================
// FLAG PARSING
// =============================================================================

func parseAmount(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, ledger.Invalid(field, "not a decimal amount: %q", raw)
	}
	return d, nil
}

// parseOptionalAmount returns nil for an empty flag.
func parseOptionalAmount(field, raw string) (*decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := parseAmount(field, raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. Empty returns the zero time.
func parseDate(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, ledger.Invalid(field, "expected YYYY-MM-DD or RFC 3339, got %q", raw)
}

// parseSaleItems reads "product:quantity" pairs.
func parseSaleItems(raw []string) ([]settlement.SaleItemInput, error) {
	items := make([]settlement.SaleItemInput, 0, len(raw))
	for _, r := range raw {
		product, qty, ok := strings.Cut(r, ":")
		if !ok || product == "" {
			return nil, ledger.Invalid("sale_items", "expected product:quantity, got %q", r)
		}
		n, err := strconv.ParseInt(qty, 10, 64)
		if err != nil {
			return nil, ledger.Invalid("sale_items", "quantity for %s is not an integer", product)
		}
		items = append(items, settlement.SaleItemInput{ProductID: ledger.ProductID(product), Quantity: n})
	}
	return items, nil
}

// parsePayable reads "kind:id", e.g. "admission:adm-1".
func parsePayable(raw string) (ledger.BillableRef, error) {
	if raw == "" {
		return ledger.BillableRef{}, nil
	}
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || kind == "" || id == "" {
		return ledger.BillableRef{}, ledger.Invalid("payable", "expected kind:id, got %q", raw)
	}
	return ledger.BillableRef{Kind: ledger.BillableKind(kind), ID: id}, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func recordPaymentCmd() *cobra.Command {
	var (
		payable, patient, paymentType, method string
		amount, amountPayable, hmoID, parent  string
		remark, actor                         string
		items                                 []string
	)
	cmd := &cobra.Command{
		Use:   "record-payment",
		Short: "Record an unsettled payment",
		RunE: withApp(func(a *app) (any, error) {
			ref, err := parsePayable(payable)
			if err != nil {
				return nil, err
			}
			amt, err := parseAmount("amount", amount)
			if err != nil {
				return nil, err
			}
			payableAmt, err := parseOptionalAmount("amount_payable", amountPayable)
			if err != nil {
				return nil, err
			}
			saleItems, err := parseSaleItems(items)
			if err != nil {
				return nil, err
			}
			return a.settlement.RecordPayment(context.Background(), settlement.RecordPaymentInput{
				Payable:       ref,
				PatientID:     ledger.PatientID(patient),
				Type:          ledger.PaymentType(paymentType),
				Method:        ledger.PaymentMethod(method),
				Amount:        amt,
				AmountPayable: payableAmt,
				HmoID:         ledger.HmoID(hmoID),
				ParentID:      ledger.PaymentID(parent),
				Remark:        remark,
				SaleItems:     saleItems,
				CreatedBy:     ledger.StaffID(actor),
			})
		}),
	}
	cmd.Flags().StringVar(&payable, "payable", "", "billable reference as kind:id (admission:adm-1)")
	cmd.Flags().StringVar(&patient, "patient", "", "patient id")
	cmd.Flags().StringVar(&paymentType, "type", "", "payment type (ADMISSION, TREATMENT, PHARMACY, DEPOSIT, ...)")
	cmd.Flags().StringVar(&method, "method", "", "payment method (WALLET, TRANSFER, HMO, CASH)")
	cmd.Flags().StringVar(&amount, "amount", "0", "amount")
	cmd.Flags().StringVar(&amountPayable, "amount-payable", "", "amount payable (defaults to amount)")
	cmd.Flags().StringVar(&hmoID, "hmo", "", "HMO id")
	cmd.Flags().StringVar(&parent, "parent", "", "parent payment id")
	cmd.Flags().StringVar(&remark, "remark", "", "remark")
	cmd.Flags().StringArrayVar(&items, "item", nil, "pharmacy line as product:quantity (repeatable)")
	cmd.Flags().StringVar(&actor, "actor", "", "staff id recording the payment")
	return cmd
}

func updateAmountCmd() *cobra.Command {
	var payment, amount, amountPayable, actor string
	cmd := &cobra.Command{
		Use:   "update-amount",
		Short: "Change an unsettled payment's amount",
		RunE: withApp(func(a *app) (any, error) {
			amt, err := parseAmount("amount", amount)
			if err != nil {
				return nil, err
			}
			payableAmt, err := parseOptionalAmount("amount_payable", amountPayable)
			if err != nil {
				return nil, err
			}
			return a.settlement.UpdateAmount(context.Background(), settlement.UpdateAmountInput{
				PaymentID:     ledger.PaymentID(payment),
				Amount:        amt,
				AmountPayable: payableAmt,
				UpdatedBy:     ledger.StaffID(actor),
			})
		}),
	}
	cmd.Flags().StringVar(&payment, "payment", "", "payment id")
	cmd.Flags().StringVar(&amount, "amount", "0", "new amount")
	cmd.Flags().StringVar(&amountPayable, "amount-payable", "", "new amount payable (defaults to amount)")
	cmd.Flags().StringVar(&actor, "actor", "", "staff id")
	return cmd
}

func markPaidCmd() *cobra.Command {
	var in settlement.MarkAsPaidInput
	var payment, method, hmoID, actor string
	cmd := &cobra.Command{
		Use:   "mark-paid",
		Short: "Settle a payment",
		RunE: withApp(func(a *app) (any, error) {
			in.PaymentID = ledger.PaymentID(payment)
			in.Method = ledger.PaymentMethod(method)
			in.HmoID = ledger.HmoID(hmoID)
			in.ConfirmedBy = ledger.StaffID(actor)
			return a.settlement.MarkAsPaid(context.Background(), in)
		}),
	}
	cmd.Flags().StringVar(&payment, "payment", "", "payment id")
	cmd.Flags().StringVar(&method, "method", "", "payment method (WALLET, TRANSFER, HMO, CASH)")
	cmd.Flags().StringVar(&hmoID, "hmo", "", "HMO id, required for HMO")
	cmd.Flags().StringVar(&in.TransferReference, "transfer-ref", "", "bank transfer reference, required for TRANSFER")
	cmd.Flags().StringVar(&in.BankTransferTo, "bank", "", "receiving bank")
	cmd.Flags().StringVar(&in.Remark, "remark", "", "remark")
	cmd.Flags().StringVar(&actor, "actor", "", "confirming staff id")
	return cmd
}

func markUnpaidCmd() *cobra.Command {
	var payment, actor string
	cmd := &cobra.Command{
		Use:   "mark-unpaid",
		Short: "Reverse a completed payment",
		RunE: withApp(func(a *app) (any, error) {
			return a.settlement.MarkAsUnpaid(context.Background(), settlement.MarkAsUnpaidInput{
				PaymentID: ledger.PaymentID(payment),
				Actor:     ledger.StaffID(actor),
			})
		}),
	}
	cmd.Flags().StringVar(&payment, "payment", "", "payment id")
	cmd.Flags().StringVar(&actor, "actor", "", "staff id")
	return cmd
}

func dischargeCmd() *cobra.Command {
	var admission, actor string
	cmd := &cobra.Command{
		Use:   "discharge",
		Short: "Bill an admission and debit the patient's wallet",
		RunE: withApp(func(a *app) (any, error) {
			return a.settlement.Discharge(context.Background(), settlement.DischargeInput{
				AdmissionID:  ledger.AdmissionID(admission),
				DischargedBy: ledger.StaffID(actor),
			})
		}),
	}
	cmd.Flags().StringVar(&admission, "admission", "", "admission id")
	cmd.Flags().StringVar(&actor, "actor", "", "staff id")
	return cmd
}

// =============================================================================
// STATEMENTS
// =============================================================================

func summaryCmd() *cobra.Command {
	var admission string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print an admission's financial summary",
		RunE: withApp(func(a *app) (any, error) {
			return a.statements.AdmissionSummary(context.Background(), ledger.AdmissionID(admission))
		}),
	}
	cmd.Flags().StringVar(&admission, "admission", "", "admission id")
	return cmd
}

func treatmentStatementCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "treatment-statement",
		Short: "Print a treatment's charges, payments and refunds",
		RunE: withApp(func(a *app) (any, error) {
			return a.statements.TreatmentStatement(context.Background(), ledger.TreatmentID(id))
		}),
	}
	cmd.Flags().StringVar(&id, "treatment", "", "treatment id")
	return cmd
}

// =============================================================================
// TREATMENTS
// =============================================================================

type transition func(*treatment.Reconciler, context.Context, treatment.Input) (*treatment.Result, error)

func treatmentCmd(use, short string, fn transition) *cobra.Command {
	var id, actor string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: withApp(func(a *app) (any, error) {
			return fn(a.treatments, context.Background(), treatment.Input{
				TreatmentID: ledger.TreatmentID(id),
				Actor:       ledger.StaffID(actor),
			})
		}),
	}
	cmd.Flags().StringVar(&id, "treatment", "", "treatment id")
	cmd.Flags().StringVar(&actor, "actor", "", "staff id")
	return cmd
}

// =============================================================================
// HMOS
// =============================================================================

func hmoBalanceCmd() *cobra.Command {
	var previous, next string
	cmd := &cobra.Command{
		Use:   "hmo-balance HMO_ID [HMO_ID...]",
		Short: "Print HMO outstanding balances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) (any, error) {
				ctx := context.Background()
				if len(args) == 1 {
					prev, err := parseOptionalAmount("previous_amount_paid", previous)
					if err != nil {
						return nil, err
					}
					nextAmt := decimal.Zero
					if next != "" {
						if nextAmt, err = parseAmount("new_amount_paid", next); err != nil {
							return nil, err
						}
					}
					return a.hmos.OutstandingBalance(ctx, ledger.HmoID(args[0]), prev, nextAmt)
				}
				ids := make([]ledger.HmoID, len(args))
				for i, id := range args {
					ids[i] = ledger.HmoID(id)
				}
				return a.hmos.Balances(ctx, ids)
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&previous, "previous", "", "amount of the settlement record being edited")
	cmd.Flags().StringVar(&next, "new", "", "amount the edited record would carry")
	return cmd
}

func hmoSettleCmd() *cobra.Command {
	var hmoID, amount, date, actor string
	cmd := &cobra.Command{
		Use:   "hmo-settle",
		Short: "Record money paid by an HMO",
		RunE: withApp(func(a *app) (any, error) {
			amt, err := parseAmount("amount_paid", amount)
			if err != nil {
				return nil, err
			}
			paid, err := parseDate("payment_date", date)
			if err != nil {
				return nil, err
			}
			return a.hmos.RecordSettlement(context.Background(), hmo.RecordSettlementInput{
				HmoID:       ledger.HmoID(hmoID),
				AmountPaid:  amt,
				PaymentDate: paid,
				CreatedBy:   ledger.StaffID(actor),
			})
		}),
	}
	cmd.Flags().StringVar(&hmoID, "hmo", "", "HMO id")
	cmd.Flags().StringVar(&amount, "amount", "0", "amount paid")
	cmd.Flags().StringVar(&date, "date", "", "payment date (defaults to now)")
	cmd.Flags().StringVar(&actor, "actor", "", "staff id")
	return cmd
}

func hmoSettleEditCmd() *cobra.Command {
	var id, amount, date, actor string
	cmd := &cobra.Command{
		Use:   "hmo-settle-edit",
		Short: "Change an HMO settlement record",
		RunE: withApp(func(a *app) (any, error) {
			amt, err := parseAmount("amount_paid", amount)
			if err != nil {
				return nil, err
			}
			in := hmo.UpdateSettlementInput{
				SettlementID: ledger.HmoSettlementID(id),
				AmountPaid:   amt,
				UpdatedBy:    ledger.StaffID(actor),
			}
			if date != "" {
				paid, err := parseDate("payment_date", date)
				if err != nil {
					return nil, err
				}
				in.PaymentDate = &paid
			}
			return a.hmos.UpdateSettlement(context.Background(), in)
		}),
	}
	cmd.Flags().StringVar(&id, "settlement", "", "settlement record id")
	cmd.Flags().StringVar(&amount, "amount", "0", "new amount paid")
	cmd.Flags().StringVar(&date, "date", "", "new payment date")
	cmd.Flags().StringVar(&actor, "actor", "", "staff id")
	return cmd
}

// =============================================================================
// WALLETS
// =============================================================================

type walletView struct {
	Wallet       *ledger.Wallet             `json:"wallet"`
	Transactions []ledger.WalletTransaction `json:"transactions"`
}

func walletCmd() *cobra.Command {
	var patient string
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Print a patient's wallet and its transactions",
		RunE: withApp(func(a *app) (any, error) {
			return loadWallet(context.Background(), a.store, ledger.PatientID(patient))
		}),
	}
	cmd.Flags().StringVar(&patient, "patient", "", "patient id")
	return cmd
}

func loadWallet(ctx context.Context, store ledger.Store, patient ledger.PatientID) (*walletView, error) {
	w, err := store.GetWalletByPatient(ctx, patient)
	if err != nil {
		return nil, err
	}
	txs, err := store.ListWalletTransactions(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	return &walletView{Wallet: w, Transactions: txs}, nil
}
