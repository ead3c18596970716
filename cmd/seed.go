package cmd

import (
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/solumath/MasarykBOT/masarykbot"
	"github.com/spf13/cobra"
)

// seedCourse is the on-disk shape of a catalog entry.
type seedCourse struct {
	Faculty string   `json:"faculty"`
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	URL     string   `json:"url"`
	Terms   []string `json:"terms"`
}

var seedCmd = &cobra.Command{
	Use:   "seed [flags] catalog.json",
	Short: "Initialize the database and load the course catalog",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("MB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"MB_DATABASE not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			log.Fatalf("Error reading catalog file: %v", err)
		}
		var entries []seedCourse
		if err = json.Unmarshal(data, &entries); err != nil {
			log.Fatalf("Error parsing catalog file: %v", err)
		}

		db, err := masarykbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		store := masarykbot.NewDatabase(db, nil, cfg.DatabaseType == "postgres")

		created := 0
		for _, entry := range entries {
			if entry.Faculty == "" || entry.Code == "" {
				log.Printf("skipping catalog entry without identity: %+v", entry)
				continue
			}
			course := masarykbot.Course{
				Faculty: strings.ToUpper(entry.Faculty),
				Code:    strings.ToUpper(entry.Code),
				Name:    entry.Name,
				URL:     entry.URL,
			}
			course.SetTerms(entry.Terms)
			if err = store.CreateCourse(ctx, &course); err != nil {
				log.Fatalf("Error creating course %s: %v", course.Identity(), err)
			}
			created++
		}
		log.Printf("Loaded %d course(s) into the catalog", created)
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
