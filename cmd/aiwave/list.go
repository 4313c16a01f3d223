package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/antoniostano/aiwave/internal/bookings"
	"github.com/antoniostano/aiwave/internal/business"
	"github.com/antoniostano/aiwave/internal/policy"
)

var businessesCmd = &cobra.Command{
	Use:   "businesses",
	Short: "List the businesses the receptionist answers for",
	Run: func(_ *cobra.Command, _ []string) {
		table := newTable([]string{"ID", "Name", "Hours", "Prices", "Staff", "Services"})
		for _, p := range business.All() {
			table.Append([]string{
				p.ID,
				p.Name,
				p.Hours,
				p.PriceRange,
				strings.Join(p.Employees, ", "),
				strconv.Itoa(len(p.Services)),
			})
		}
		table.Render()
	},
}

var bookingsCmd = &cobra.Command{
	Use:   "bookings",
	Short: "Show the most recent bookings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadRuntime()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = cfg.BookingsRecentLimit
		}
		ctx := context.Background()
		store, err := bookings.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("booking store init failed: %w", err)
		}
		defer store.Close()

		records, err := store.Recent(ctx, limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No bookings yet.")
			return nil
		}
		table := newTable([]string{"Created", "Business", "Customer", "Email", "Employee", "Service", "Time"})
		for _, r := range records {
			table.Append([]string{
				r.CreatedAt.Local().Format("2006-01-02 15:04"),
				r.BusinessName,
				r.CustomerName,
				policy.MaskEmail(r.CustomerEmail),
				r.EmployeeName,
				r.Service,
				r.Time,
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	bookingsCmd.Flags().IntP("limit", "n", 0, "number of bookings to show (default BOOKINGS_RECENT_LIMIT)")
}

func newTable(header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetColumnSeparator("|")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	return table
}
