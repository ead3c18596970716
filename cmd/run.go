package cmd

import (
	"log"

	"github.com/solumath/MasarykBOT/masarykbot"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the MasarykBOT bot and API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := masarykbot.New(cfg)
		if err != nil {
			log.Fatalf("error creating masarykbot: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running masarykbot: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
