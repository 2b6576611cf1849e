// Command helios-plan computes a single plan from the configured price and
// forecast providers and prints it without touching any device.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/helios-ems/helios/pkg/config"
	"github.com/helios-ems/helios/pkg/forecast"
	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/planner"
	"github.com/helios-ems/helios/pkg/price"
	"github.com/helios-ems/helios/pkg/storage"
	"github.com/helios-ems/helios/pkg/types"
)

func main() {
	cfg := config.Configured()
	db := storage.Configured()
	prices := price.Configured()
	fc := forecast.Configured(cfg.Load, db)
	socFlag := lflag.String("soc", "", "Starting battery SoC in percent (defaults to the assumed or reserve SoC)")
	asJSON := lflag.Bool("json", false, "Print the plan as JSON")
	lflag.Configure()

	ctx := context.Background()
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	settings := cfg.Load()
	soc := settings.ReserveSOCPercent
	if settings.AssumedCurrentSOCPercent != nil {
		soc = *settings.AssumedCurrentSOCPercent
	}
	if *socFlag != "" {
		v, err := strconv.ParseFloat(*socFlag, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --soc: %v\n", err)
			os.Exit(2)
		}
		soc = v
	}

	now := time.Now()
	start := planner.SlotStart(now, settings.Window())
	end := start.Add(time.Duration(planner.SlotCount(settings)) * settings.Window())

	raw, err := prices.Prices(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch prices", slog.String("provider", prices.Name()), slog.Any("error", err))
	}
	samples, err := fc.Forecast(ctx, start, end, settings.Window())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch forecast", slog.String("provider", fc.Name()), slog.Any("error", err))
	}

	plan := planner.New().Plan(ctx, planner.Input{
		Now:      now,
		Settings: settings,
		StartSOC: soc,
		Prices:   price.Quotes(raw, settings),
		Forecast: samples,
	})

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(plan); err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode plan: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := printPlan(os.Stdout, plan); err != nil {
		fmt.Fprintf(os.Stderr, "failed to print plan: %v\n", err)
		os.Exit(1)
	}
}

func printPlan(w io.Writer, plan *types.Plan) error {
	fmt.Fprintf(w, "plan %s generated %s pivot %.4f EUR/kWh cost %.2f EUR degraded=%t\n\n",
		plan.ID, plan.GeneratedAt.Format(time.RFC3339), plan.PivotEURPerKWH, plan.EstimatedCostEUR, plan.Degraded)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tACTION\tSETPOINT W\tBUY\tSELL\tSOLAR W\tLOAD W\tSOC AFTER\tREASON")
	for _, s := range plan.Slots {
		buy, sell := "-", "-"
		if s.Priced {
			buy = strconv.FormatFloat(s.BuyEURPerKWH, 'f', 4, 64)
			sell = strconv.FormatFloat(s.SellEURPerKWH, 'f', 4, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%.0f\t%.0f\t%.1f\t%s\n",
			s.Slot.Start.Local().Format("01-02 15:04"), s.Action, s.TargetSetpointW,
			buy, sell, s.SolarW, s.LoadW, s.ProjectedSOCAfter, s.Reason)
	}
	return tw.Flush()
}
