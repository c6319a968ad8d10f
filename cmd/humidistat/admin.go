package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/humidistat/internal/database"
	"github.com/sweeney/humidistat/internal/engine"
	"github.com/sweeney/humidistat/internal/logic"
	"github.com/sweeney/humidistat/internal/models"
	"github.com/sweeney/humidistat/internal/mqtt"
	"github.com/sweeney/humidistat/internal/store"
)

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("format output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func parseZone(s string) (int, error) {
	zone, err := strconv.Atoi(s)
	if err != nil || zone <= 0 {
		return 0, fmt.Errorf("invalid zone %q: must be a positive integer", s)
	}
	return zone, nil
}

// cycleCmd runs a single cycle against the configured actuators.
func (c *cli) cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one control cycle and print its report",
		Long: `Run one control cycle immediately, dispatching any status changes to the
configured actuators, and print the report as JSON. Decisions are not
published to MQTT.

Do not run this alongside "humidistat serve" on the same database: the two
processes would write controller state concurrently. To force a cycle in a
running daemon, use its API instead:

  curl -X POST http://<http.addr>/api/cycle`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close(db)

			dispatcher, closeActuators, err := buildDispatcher(c.cfg, openRelay)
			if err != nil {
				return err
			}
			defer closeActuators()

			eng := newEngine(c.cfg, store.NewReadings(db), store.NewSchedules(db), store.NewStates(db), dispatcher, c.log)
			eng.SetNotifier(mqtt.NopPublisher{})
			rep := eng.RunCycle(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), newCycleOutput(rep)); err != nil {
				return err
			}
			return rep.Err
		},
	}
}

type zoneOutput struct {
	Zone          int      `json:"zone"`
	Outcome       string   `json:"outcome"`
	Humidity      *float64 `json:"humidity"`
	Hour          int      `json:"hour"`
	Status        string   `json:"status,omitempty"`
	Previous      string   `json:"previous,omitempty"`
	Dispatched    bool     `json:"dispatched"`
	DispatchError string   `json:"dispatch_error,omitempty"`
	Error         string   `json:"error,omitempty"`
}

type cycleOutput struct {
	ID         string         `json:"id"`
	DurationMs int64          `json:"duration_ms"`
	Outcomes   map[string]int `json:"outcomes"`
	Zones      []zoneOutput   `json:"zones"`
	Error      string         `json:"error,omitempty"`
}

func newCycleOutput(rep engine.Report) cycleOutput {
	out := cycleOutput{
		ID:         rep.ID,
		DurationMs: rep.Duration().Milliseconds(),
		Outcomes:   make(map[string]int),
		Zones:      make([]zoneOutput, 0, len(rep.Zones)),
	}
	for o, n := range rep.Counts() {
		out.Outcomes[string(o)] = n
	}
	if rep.Err != nil {
		out.Error = rep.Err.Error()
	}
	for _, z := range rep.Zones {
		zo := zoneOutput{
			Zone:       z.Zone,
			Outcome:    string(z.Outcome),
			Humidity:   z.Humidity,
			Hour:       z.Hour,
			Status:     string(z.Status),
			Dispatched: z.Dispatched,
		}
		if z.Previous != nil {
			zo.Previous = string(*z.Previous)
		}
		if z.DispatchErr != nil {
			zo.DispatchError = z.DispatchErr.Error()
		}
		if z.Err != nil {
			zo.Error = z.Err.Error()
		}
		out.Zones = append(out.Zones, zo)
	}
	return out
}

func (c *cli) migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close(db)

			w := cmd.OutOrStdout()
			if down {
				v, err := database.Rollback(db)
				if err != nil {
					return err
				}
				if v == 0 {
					fmt.Fprintln(w, "Nothing to roll back")
					return nil
				}
				fmt.Fprintf(w, "Rolled back migration %d\n", v)
				return nil
			}

			v, err := database.CurrentSchemaVersion(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Schema at version %d\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration")
	return cmd
}

func (c *cli) scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"sched"},
		Short:   "Manage the hourly humidity schedule",
	}
	cmd.AddCommand(c.scheduleSetCmd(), c.scheduleShowCmd(), c.scheduleSeedCmd(), c.scheduleChangesCmd())
	return cmd
}

// parseHours accepts a single hour, an inclusive range such as 8-20, or "all".
func parseHours(s string) ([]int, error) {
	if s == "all" {
		hours := make([]int, 24)
		for i := range hours {
			hours[i] = i
		}
		return hours, nil
	}
	lo, hi, isRange := strings.Cut(s, "-")
	from, err := strconv.Atoi(lo)
	if err != nil {
		return nil, fmt.Errorf("invalid hour %q", s)
	}
	to := from
	if isRange {
		if to, err = strconv.Atoi(hi); err != nil {
			return nil, fmt.Errorf("invalid hour range %q", s)
		}
	}
	if from < 0 || to > 23 || from > to {
		return nil, fmt.Errorf("invalid hour %q: hours must be between 0 and 23", s)
	}
	hours := make([]int, 0, to-from+1)
	for h := from; h <= to; h++ {
		hours = append(hours, h)
	}
	return hours, nil
}

func (c *cli) scheduleSetCmd() *cobra.Command {
	var up, down float64
	cmd := &cobra.Command{
		Use:   "set <zone> <hour|from-to|all> <target>",
		Short: "Set the target humidity of a zone for one or more hours",
		Long: `Set the target humidity and hysteresis of a zone. Each write appends a new
version; the previous values stay in the history and the change log. Writing
the current values again changes nothing.

Examples:
  humidistat schedule set 3 13 60
  humidistat schedule set 3 8-20 55 --up 3 --down 4
  humidistat schedule set 3 all 60`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, err := parseZone(args[0])
			if err != nil {
				return err
			}
			hours, err := parseHours(args[1])
			if err != nil {
				return err
			}
			target, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid target %q", args[2])
			}
			th := logic.Thresholds{Target: target, Up: up, Down: down}
			if err := store.ValidateEntry(zone, hours[0], th); err != nil {
				return err
			}

			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close(db)
			schedules := store.NewSchedules(db)

			changed := 0
			for _, h := range hours {
				ok, err := schedules.Put(cmd.Context(), zone, h, th)
				if err != nil {
					return err
				}
				if ok {
					changed++
				}
			}
			c.log.WithField("zone", zone).WithField("changed", changed).Debug("Schedule updated")
			fmt.Fprintf(cmd.OutOrStdout(), "Zone %d: %d of %d hours changed (target %g, +%g/-%g)\n",
				zone, changed, len(hours), th.Target, th.Up, th.Down)
			return nil
		},
	}
	cmd.Flags().Float64Var(&up, "up", 5, "Upper hysteresis in percentage points")
	cmd.Flags().Float64Var(&down, "down", 5, "Lower hysteresis in percentage points")
	return cmd
}

type scheduleOutput struct {
	Zone           int     `json:"zone"`
	Hour           int     `json:"hour"`
	TargetHumidity float64 `json:"target_humidity"`
	HysteresisUp   float64 `json:"hysteresis_up"`
	HysteresisDown float64 `json:"hysteresis_down"`
	EffectiveAt    string  `json:"effective_at"`
}

func toScheduleOutput(entries []models.ScheduleEntry) []scheduleOutput {
	out := make([]scheduleOutput, 0, len(entries))
	for _, e := range entries {
		out = append(out, scheduleOutput{
			Zone:           e.ZoneID,
			Hour:           e.HourOfDay,
			TargetHumidity: e.TargetHumidity,
			HysteresisUp:   e.HysteresisUp,
			HysteresisDown: e.HysteresisDown,
			EffectiveAt:    e.EffectiveAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func (c *cli) scheduleShowCmd() *cobra.Command {
	var hour int
	cmd := &cobra.Command{
		Use:   "show <zone>",
		Short: "Show the current schedule of a zone",
		Long: `Show the current entry of every configured hour of a zone. With --hour,
show every version of that hour, newest first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, err := parseZone(args[0])
			if err != nil {
				return err
			}
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close(db)
			schedules := store.NewSchedules(db)

			if cmd.Flags().Changed("hour") {
				if hour < 0 || hour > 23 {
					return fmt.Errorf("invalid hour %d: must be between 0 and 23", hour)
				}
				entries, err := schedules.History(cmd.Context(), zone, hour)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), toScheduleOutput(entries))
			}

			entries, err := schedules.CurrentForZone(cmd.Context(), zone)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), toScheduleOutput(entries))
		},
	}
	cmd.Flags().IntVar(&hour, "hour", 0, "Show the version history of this hour")
	return cmd
}

func (c *cli) scheduleSeedCmd() *cobra.Command {
	var target, up, down float64
	cmd := &cobra.Command{
		Use:   "seed <zone>",
		Short: "Fill every unconfigured hour of a zone with default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, err := parseZone(args[0])
			if err != nil {
				return err
			}
			th := logic.Thresholds{Target: target, Up: up, Down: down}
			if err := store.ValidateEntry(zone, 0, th); err != nil {
				return err
			}
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close(db)

			n, err := store.NewSchedules(db).Seed(cmd.Context(), zone, th)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Zone %d: seeded %d hours\n", zone, n)
			return nil
		},
	}
	cmd.Flags().Float64Var(&target, "target", 60, "Target humidity in percent")
	cmd.Flags().Float64Var(&up, "up", 5, "Upper hysteresis in percentage points")
	cmd.Flags().Float64Var(&down, "down", 5, "Lower hysteresis in percentage points")
	return cmd
}

func (c *cli) scheduleChangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "changes <zone>",
		Short: "Show the schedule change log of a zone, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			zone, err := parseZone(args[0])
			if err != nil {
				return err
			}
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close(db)

			changes, err := store.NewSchedules(db).Changes(cmd.Context(), zone)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), changes)
		},
	}
}

func (c *cli) stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect controller state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the last commanded status of every zone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close(db)

			states, err := store.NewStates(db).List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), states)
		},
	})
	return cmd
}

func (c *cli) readingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "readings",
		Aliases: []string{"r"},
		Short:   "Inspect stored sensor readings",
	}

	var zone, limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 1 {
				return errors.New("--limit must be at least 1")
			}
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close(db)

			rows, err := store.NewReadings(db).Recent(cmd.Context(), zone, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
	list.Flags().IntVar(&zone, "zone", 0, "Only readings of this zone")
	list.Flags().IntVar(&limit, "limit", 10, "Maximum number of readings")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show per-zone reading statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB()
			if err != nil {
				return err
			}
			defer database.Close(db)

			st, err := store.NewReadings(db, store.WithLogger(c.log)).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	cmd.AddCommand(list, stats)
	return cmd
}
