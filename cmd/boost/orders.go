package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"boostflow/internal/app"
	"boostflow/internal/domain"
	"boostflow/internal/engine"
	"boostflow/internal/live"
	boostsdk "boostflow/sdk/go"
)

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Create and inspect orders",
	}
	cmd.AddCommand(orderCreateCmd())
	cmd.AddCommand(orderShowCmd())
	cmd.AddCommand(orderListCmd())
	return cmd
}

func orderCreateCmd() *cobra.Command {
	var price int64
	var assign string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pending order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				order, err := s.Client.CreateOrder(ctx, price, assign)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(order)
				}
				fmt.Printf("Created order %s (%s, price %d)\n", order.BoostID, order.Status, order.Price)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&price, "price", 0, "price in minor units")
	cmd.Flags().StringVar(&assign, "assign", "", "partner id to reserve the order for")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func orderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <boost-id>",
		Short: "Show an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				order, err := s.Client.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(order)
				}
				renderOrder(order)
				return nil
			})
		},
	}
}

func orderListCmd() *cobra.Command {
	var q boostsdk.OrderQuery
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Status = domain.Status(strings.ToUpper(status))
			if q.Status != "" && !q.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				orders, err := s.Client.ListOrders(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Boost", "Status", "Price", "Owner", "Partner", "Assigned", "Retries"})
				for _, o := range orders {
					tw.AppendRow(table.Row{o.BoostID, o.Status, o.Price, partyLabel(o.Owner), partyLabel(o.ProcessingPartner), partyLabel(o.AssignedPartner), o.RetryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&q.Owner, "owner", "", "owner id filter")
	cmd.Flags().StringVar(&q.Partner, "partner", "", "processing partner id filter")
	cmd.Flags().BoolVar(&q.Open, "open", false, "only orders any partner may accept")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "max orders")
	return cmd
}

func evaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <boost-id>",
		Short: "Show what you may do with an order and what it pays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				snap, err := loadSnapshot(ctx, s, args[0])
				if err != nil {
					return err
				}
				ev := engine.Evaluate(&snap.Order, snap.Viewer, snap.Config)
				if viper.GetBool("json") {
					return printJSON(boostsdk.EvaluationResponse{Evaluation: ev, Confirmations: confirmations(ev, snap)})
				}
				renderOrder(snap.Order)
				renderEvaluation(ev)
				return nil
			})
		},
	}
}

func actCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "act <action> <boost-id>",
		Short: "Perform an order action",
		Long: `Perform pay, accept, refuse, complete, cancel, renew, recover or delete on an order.
accept and cancel print the amounts at stake and only proceed with --yes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, ok := engine.ParseAction(strings.ToLower(args[0]))
			if !ok {
				return fmt.Errorf("unknown action %q", args[0])
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				snap, err := loadSnapshot(ctx, s, args[1])
				if err != nil {
					return err
				}
				if engine.RequiresConfirmation(action) {
					c := engine.BuildConfirmation(action, &snap.Order, snap.Config)
					if !viper.GetBool("json") {
						renderConfirmation(c)
					}
					if !yes {
						return fmt.Errorf("%s needs confirmation; re-run with --yes", action)
					}
				}
				res, err := engine.New(s.Client, s.Logger).Commit(ctx, engine.CommitRequest{
					Action:    action,
					Order:     &snap.Order,
					Viewer:    snap.Viewer,
					Confirmed: yes,
				})
				if err != nil {
					return describeFailure(err)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch res.Kind {
				case engine.ResultSpawned:
					fmt.Printf("%s created order %s\n", res.Action, res.NewBoostID)
				case engine.ResultDeleted:
					fmt.Printf("Deleted order %s\n", res.BoostID)
				default:
					fmt.Printf("%s: order %s is now %s\n", res.Action, res.BoostID, res.Order.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm accept or cancel")
	return cmd
}

func watchCmd() *cobra.Command {
	var liveURL string
	cmd := &cobra.Command{
		Use:   "watch <boost-id>",
		Short: "Re-evaluate an order whenever it changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				token := viper.GetString("token")
				if token == "" {
					return errors.New("watch needs a bearer token; run boost login first")
				}
				viewer, err := s.Client.Viewer(ctx)
				if err != nil {
					return err
				}
				if liveURL == "" {
					liveURL = s.Config.Live.URL
				}
				sub := live.Subscriber{
					URL:            liveURL,
					Token:          token,
					BoostIDs:       []string{args[0]},
					ReconnectDelay: s.Config.Live.ReconnectDelay,
					Logger:         s.Logger,
				}
				w := &live.Watcher{
					API:          s.Client,
					BoostID:      args[0],
					Viewer:       viewer,
					Config:       resolveCommission(ctx, s),
					ReloadViewer: s.Client.Viewer,
					ReloadConfig: func(ctx context.Context) (*domain.CommissionConfig, error) {
						return resolveCommission(ctx, s), nil
					},
					IsNotFound: boostsdk.IsNotFound,
					Logger:     s.Logger,
				}
				err = w.Run(ctx, sub.Subscribe(ctx), func(u live.Update) {
					printUpdate(u, s.Logger)
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&liveURL, "live-url", "", "live endpoint (defaults to live.url in boostflow.yml)")
	return cmd
}

// snapshot is one consistent read of an order with the identity and rates it
// is evaluated against.
type snapshot struct {
	Order  domain.Order
	Viewer *domain.Viewer
	Config *domain.CommissionConfig
}

func loadSnapshot(ctx context.Context, s session, boostID string) (snapshot, error) {
	order, err := s.Client.GetOrder(ctx, boostID)
	if err != nil {
		return snapshot{}, err
	}
	viewer, err := s.Client.Viewer(ctx)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{Order: order, Viewer: viewer, Config: resolveCommission(ctx, s)}, nil
}

// resolveCommission returns nil when the fallback rates are in effect so that
// evaluations flag them.
func resolveCommission(ctx context.Context, s session) *domain.CommissionConfig {
	cfg, fallback := app.ResolveCommission(ctx, s.Client, s.Logger)
	if fallback {
		return nil
	}
	return &cfg
}

func confirmations(ev engine.Evaluation, snap snapshot) []engine.Confirmation {
	out := []engine.Confirmation{}
	for _, a := range ev.Actions {
		if engine.RequiresConfirmation(a) {
			out = append(out, engine.BuildConfirmation(a, &snap.Order, snap.Config))
		}
	}
	return out
}

func describeFailure(err error) error {
	var ie *engine.InvocationError
	if !errors.As(err, &ie) {
		return err
	}
	switch ie.Kind {
	case engine.FailureStale, engine.FailureNotFound:
		return fmt.Errorf("order %s is no longer available; refresh with boost order show", ie.BoostID)
	case engine.FailureForbidden:
		return fmt.Errorf("not allowed to %s order %s: %v", ie.Action, ie.BoostID, ie.Err)
	}
	return err
}

func partyLabel(p domain.PartyRef) string {
	if u, ok := p.User(); ok && u.Username != "" {
		return u.Username
	}
	id, _ := p.ID()
	return id
}

func renderOrder(o domain.Order) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"Boost", o.BoostID})
	tw.AppendRow(table.Row{"Status", o.Status})
	tw.AppendRow(table.Row{"Price", o.Price})
	tw.AppendRow(table.Row{"Owner", partyLabel(o.Owner)})
	tw.AppendRow(table.Row{"Partner", partyLabel(o.ProcessingPartner)})
	tw.AppendRow(table.Row{"Assigned", partyLabel(o.AssignedPartner)})
	tw.AppendRow(table.Row{"Retries", o.RetryCount})
	tw.AppendRow(table.Row{"Updated", o.UpdatedAt.Format(time.RFC3339)})
	tw.Render()
}

func renderEvaluation(ev engine.Evaluation) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Action", "Allowed", "Confirm"})
	for _, a := range engine.AllActions {
		confirm := ""
		if engine.RequiresConfirmation(a) {
			confirm = "yes"
		}
		tw.AppendRow(table.Row{a, ev.Permissions.Allows(a), confirm})
	}
	tw.AppendFooter(table.Row{"Earning", ev.Amounts.PartnerEarning, ""})
	tw.AppendFooter(table.Row{"Penalty", ev.Amounts.PenaltyAmount, ""})
	tw.Render()
	if ev.Fallback {
		fmt.Println("note: commission config unavailable; amounts use fallback rates")
	}
}

func renderConfirmation(c engine.Confirmation) {
	if c.Amounts != nil {
		if c.Amounts.PartnerEarning != nil {
			fmt.Printf("Accepting earns you %d on completion.\n", *c.Amounts.PartnerEarning)
		}
		if c.Amounts.PenaltyAmount != nil {
			fmt.Printf("Cancelling costs you a penalty of %d.\n", *c.Amounts.PenaltyAmount)
		}
	}
	for _, w := range c.Warnings {
		if w == engine.WarningCommissionFallback {
			fmt.Println("warning: commission config unavailable; amounts use fallback rates")
		}
	}
}

func printUpdate(u live.Update, log *zap.Logger) {
	if viper.GetBool("json") {
		_ = printJSON(u)
		return
	}
	trigger := "initial"
	if u.Trigger != nil {
		trigger = u.Trigger.Type
	}
	switch {
	case u.Deleted:
		fmt.Printf("[%s] order deleted\n", trigger)
	case u.Err != nil:
		log.Warn("refresh failed", zap.String("trigger", trigger), zap.Error(u.Err))
	default:
		actions := make([]string, 0, len(u.Evaluation.Actions))
		for _, a := range u.Evaluation.Actions {
			actions = append(actions, string(a))
		}
		fmt.Printf("[%s] %s %s earning=%d penalty=%d actions=[%s]\n",
			trigger, u.Order.BoostID, u.Order.Status,
			u.Evaluation.Amounts.PartnerEarning, u.Evaluation.Amounts.PenaltyAmount,
			strings.Join(actions, ","))
	}
}
