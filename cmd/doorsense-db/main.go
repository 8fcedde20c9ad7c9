// DoorSense Database CLI Tool
// Provides read-only command-line access to the controller database
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/doorsense/controller/internal/gamification"
	"github.com/doorsense/controller/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "doorsense-db",
		Short: "DoorSense Database CLI",
		Long:  "Command-line tool for inspecting the DoorSense controller database.",
	}

	doorsCmd = &cobra.Command{
		Use:   "doors",
		Short: "Show door transitions",
		RunE:  showDoors,
	}

	readingsCmd = &cobra.Command{
		Use:   "readings [sensor-id]",
		Short: "Show sensor readings",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showReadings,
	}

	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Show energy metrics",
		RunE:  showMetrics,
	}

	usersCmd = &cobra.Command{
		Use:   "users",
		Short: "List users",
		RunE:  showUsers,
	}

	badgesCmd = &cobra.Command{
		Use:   "badges [user-id]",
		Short: "Show badges earned by a user",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showBadges,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "doorsense.db", "Database file path")

	doorsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	readingsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	metricsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(doorsCmd)
	rootCmd.AddCommand(readingsCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(badgesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*storage.DB, error) {
	return storage.OpenReadOnly(dbPath)
}

func newTable(header ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	dashes := make([]string, len(header))
	for i, h := range header {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(w, strings.Join(dashes, "\t"))
	return w
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatFloat(v *float64, unit string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%s", *v, unit)
}

func showDoors(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	states, err := db.RecentDoorStates(cmd.Context(), limit)
	if err != nil {
		return err
	}

	w := newTable("ID", "STATE", "TIME", "DURATION")
	for _, d := range states {
		state := "CLOSED"
		if d.IsOpen {
			state = "OPEN"
		}
		duration := "-"
		if d.DurationSeconds != nil {
			duration = (time.Duration(*d.DurationSeconds) * time.Second).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", d.ID, state, formatTime(d.Timestamp), duration)
	}
	return w.Flush()
}

func showReadings(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	sensorID := ""
	if len(args) > 0 {
		sensorID = args[0]
	}

	readings, err := db.RecentSensorReadings(cmd.Context(), sensorID, limit)
	if err != nil {
		return err
	}

	w := newTable("ID", "SENSOR", "TEMP", "HUMIDITY", "PRESSURE", "TIME")
	for _, r := range readings {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.SensorID,
			formatFloat(r.Temperature, "°C"), formatFloat(r.Humidity, "%"), formatFloat(r.Pressure, "hPa"),
			formatTime(r.Timestamp))
	}
	return w.Flush()
}

func showMetrics(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	ms, err := db.RecentEnergyMetrics(cmd.Context(), limit)
	if err != nil {
		return err
	}

	w := newTable("ID", "OPENING", "DURATION", "INDOOR", "OUTDOOR", "ΔT", "LOSS", "COST", "CO2", "TIME")
	for _, m := range ms {
		fmt.Fprintf(w, "%d\t%d\t%ds\t%.2f°C\t%.2f°C\t%.2f\t%.2fW\t€%.4f\t%.2fg\t%s\n",
			m.ID, m.DoorStateID, m.DurationSeconds, m.IndoorTemp, m.OutdoorTemp, m.DeltaT,
			m.EnergyLossWatts, m.CostEuros, m.CO2Grams, formatTime(m.Timestamp))
	}
	return w.Flush()
}

func showUsers(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := db.ListUsers(cmd.Context())
	if err != nil {
		return err
	}

	w := newTable("ID", "NAME", "POINTS", "LEVEL", "STREAK", "QUICK CLOSES", "CREATED")
	for _, u := range users {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%d\t%s\n",
			u.ID, u.Name, u.Points, u.Level, u.DailyStreak, u.QuickCloseCount, formatTime(u.CreatedAt))
	}
	return w.Flush()
}

func showBadges(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	userID := gamification.DefaultConfig().UserID
	if len(args) > 0 {
		userID, err = strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", args[0], err)
		}
	}

	badges, err := db.ListBadges(cmd.Context(), userID)
	if err != nil {
		return err
	}

	w := newTable("BADGE", "DESCRIPTION", "EARNED")
	for _, b := range badges {
		fmt.Fprintf(w, "%s\t%s\t%s\n", b.BadgeType, gamification.BadgeDescription(b.BadgeType), formatTime(b.EarnedAt))
	}
	return w.Flush()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := cmd.Context()

	counts, err := db.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Database: %s\n\n", dbPath)
	for _, table := range storage.Tables {
		fmt.Printf("%-16s %d rows\n", table+":", counts[table])
	}
	fmt.Println()

	latest, err := db.LatestDoorState(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fmt.Println("Door: no transitions recorded")
	case err != nil:
		return err
	case latest.IsOpen:
		fmt.Printf("Door: OPEN since %s\n", formatTime(latest.Timestamp))
	default:
		fmt.Printf("Door: CLOSED since %s\n", formatTime(latest.Timestamp))
	}

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	openToday, err := db.SumOpenDuration(ctx, today, today.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	openings, err := db.CountOpenings(ctx, today, today.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	fmt.Printf("Today: %d openings, %s open\n", openings, time.Duration(openToday)*time.Second)

	totals, err := db.SumEnergy(ctx, now.AddDate(0, 0, -30), now)
	if err != nil {
		return err
	}
	fmt.Printf("Last 30 days: %d metrics, %.2f W lost, €%.4f, %.2f g CO2\n",
		totals.Count, totals.EnergyLossWatts, totals.CostEuros, totals.CO2Grams)
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(cmd.Context(), query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := newTable(cols...)

	values := make([]any, len(cols))
	valuePtrs := make([]any, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return w.Flush()
}
