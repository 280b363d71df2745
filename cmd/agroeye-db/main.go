// AgroEye Database CLI Tool
// Provides command-line access to the field agent database
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agroeye/field-agent/internal/geo"
	"github.com/agroeye/field-agent/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "agroeye-db",
		Short: "AgroEye Database CLI",
		Long:  "Command-line tool for inspecting the AgroEye field agent database.",
	}

	plotsCmd = &cobra.Command{
		Use:   "plots [user-id]",
		Short: "List farm plots",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listPlots,
	}

	markersCmd = &cobra.Command{
		Use:   "markers [user-id]",
		Short: "List map markers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listMarkers,
	}

	queueCmd = &cobra.Command{
		Use:   "queue",
		Short: "Show requests waiting to sync",
		RunE:  showQueue,
	}

	cachesCmd = &cobra.Command{
		Use:   "caches",
		Short: "Show response cache pools",
		RunE:  showCaches,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	areaCmd = &cobra.Command{
		Use:   "area [geojson-or-wkt-file]",
		Short: "Compute the area of a polygon file or a stored plot",
		Args:  cobra.MaximumNArgs(1),
		RunE:  computeArea,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	plotID string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/agroeye/agent.db", "Database file path")

	areaCmd.Flags().StringVarP(&plotID, "plot", "p", "", "Recompute the area of a stored plot")

	rootCmd.AddCommand(plotsCmd)
	rootCmd.AddCommand(markersCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cachesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(areaCmd)
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

func optionalArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func listPlots(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	plots, err := db.ListPlots(cmd.Context(), optionalArg(args))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tNAME\tPOINTS\tAREA\tCOLOR\tUPDATED")
	fmt.Fprintln(w, "--\t----\t----\t------\t----\t-----\t-------")

	for _, p := range plots {
		area := "-"
		if p.AreaSqm != nil {
			area = geo.FormatHectares(*p.AreaSqm)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			shortID(p.ID), p.UserID, p.Name, len(p.Coordinates), area, p.Color,
			p.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func listMarkers(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	markers, err := db.ListMarkers(cmd.Context(), optionalArg(args))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tTYPE\tLABEL\tLAT\tLNG\tPLOT")
	fmt.Fprintln(w, "--\t----\t----\t-----\t---\t---\t----")

	for _, m := range markers {
		plotStr := m.PlotID
		if plotStr == "" {
			plotStr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.6f\t%.6f\t%s\n",
			shortID(m.ID), m.UserID, strings.ToUpper(string(m.MarkerType)), m.Label,
			m.Latitude, m.Longitude, plotStr)
	}
	w.Flush()
	return nil
}

func showQueue(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.LoadQueue(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tMETHOD\tURL\tBYTES\tATTEMPTS\tQUEUED\tLAST ERROR")
	fmt.Fprintln(w, "-\t------\t---\t-----\t--------\t------\t----------")

	for i, q := range items {
		lastErr := q.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			i+1, q.Method, q.URL, len(q.Body), q.Attempts,
			q.QueuedAt.Format("2006-01-02 15:04:05"), lastErr)
	}
	w.Flush()
	return nil
}

func showCaches(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	pools, err := db.CachePools(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tENTRIES\tBYTES\tCREATED")
	fmt.Fprintln(w, "----\t-------\t-----\t-------")

	for _, p := range pools {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
			p.Name, p.Entries, p.Bytes, p.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Println("Database Statistics")
	fmt.Println("===================")
	fmt.Printf("Plots: %d (%s total)\n", stats.Plots, geo.FormatHectares(stats.TotalAreaSqm))
	fmt.Printf("Markers: %d\n", stats.Markers)
	fmt.Printf("Queued requests: %d\n", stats.Queued)
	fmt.Printf("Cache pools: %d (entries: %d)\n", stats.CachePools, stats.CacheEntries)
	return nil
}

func computeArea(cmd *cobra.Command, args []string) error {
	ring, err := loadRing(cmd.Context(), args)
	if err != nil {
		return err
	}
	if err := ring.Validate(); err != nil {
		return err
	}

	area := geo.ComputeArea(ring)
	fmt.Printf("Points: %d\n", len(ring))
	fmt.Printf("Area: %.0f m² (%s)\n", area, geo.FormatHectares(area))
	return nil
}

// loadRing reads a ring from a stored plot or a GeoJSON / WKT polygon file
func loadRing(ctx context.Context, args []string) (geo.Ring, error) {
	if plotID != "" {
		db, err := openDB()
		if err != nil {
			return nil, err
		}
		defer db.Close()

		p, err := db.GetPlot(ctx, plotID)
		if err != nil {
			return nil, fmt.Errorf("plot %s: %w", plotID, err)
		}
		return p.Coordinates, nil
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("a polygon file or --plot is required")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	data = bytes.TrimSpace(data)
	if bytes.HasPrefix(data, []byte("{")) {
		return geo.ParseGeoJSON(data)
	}
	return geo.ParseWKT(string(data))
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	table, err := db.Select(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, strings.Join(table.Columns, "\t"))
	for _, row := range table.Rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	fmt.Fprintf(w, "(%d rows)\n", len(table.Rows))
	return nil
}
