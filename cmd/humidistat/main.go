// Command humidistat runs the humidity control loop: it stores sensor
// readings, switches humidifiers per zone against an hourly schedule and
// publishes every decision to MQTT.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/sweeney/humidistat/internal/config"
	"github.com/sweeney/humidistat/internal/database"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	verbose    bool

	cfg *config.Config
	log *logrus.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "humidistat",
		Short: "Humidity control loop for zoned humidifiers",
		Long: `humidistat collects humidity readings from zone sensors, compares them
against an hourly target with hysteresis and switches each zone's humidifier
through its actuator.

Without a subcommand it runs the daemon, the same as "humidistat serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = cfg.NewLogger(c.verbose)
			c.log.SetOutput(cmd.ErrOrStderr())
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to the YAML configuration file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose (debug) logging")

	root.AddCommand(
		c.serveCmd(),
		c.cycleCmd(),
		c.migrateCmd(),
		c.scheduleCmd(),
		c.stateCmd(),
		c.readingsCmd(),
	)
	return root
}

// openDB opens the configured database. Callers close it with database.Close.
func (c *cli) openDB() (*gorm.DB, error) {
	db, err := database.Open(c.cfg.DB.Path, c.log)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", c.cfg.DB.Path, err)
	}
	return db, nil
}
